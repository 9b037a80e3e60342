package bsp

import (
	"fmt"
	"regexp"
	"strings"
)

// TemplateVars is the complete set of variables available to packaging
// templates.
type TemplateVars struct {
	L4TToolsVersion string
	KernelRelease   string
	L4TVersion      string
	AVTRelease      string
	BoardName       string
}

// Map returns the variables by their template name.
func (v TemplateVars) Map() map[string]string {
	return map[string]string{
		"L4T_TOOLS_VERSION": v.L4TToolsVersion,
		"KERNEL_RELEASE":    v.KernelRelease,
		"L4T_VERSION":       v.L4TVersion,
		"AVT_RELEASE":       v.AVTRelease,
		"BOARD_NAME":        v.BoardName,
	}
}

// Only upper-case names are template variables. Debian substvars such as
// ${misc:Depends} or ${shlibs:Depends} pass through untouched.
var templateVarRe = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// Render substitutes ${NAME} placeholders. Unknown names are an error so a
// typo never ends up in a control file.
func (v TemplateVars) Render(text string) (string, error) {
	vars := v.Map()
	var unknown []string
	out := templateVarRe.ReplaceAllStringFunc(text, func(m string) string {
		name := templateVarRe.FindStringSubmatch(m)[1]
		val, ok := vars[name]
		if !ok {
			unknown = append(unknown, name)
			return m
		}
		return val
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown template variable(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// BundleName names the final tarball.
func (v TemplateVars) BundleName(boardSpecific bool) string {
	var tmpl string
	if boardSpecific {
		tmpl = "AlliedVision_NVidia_${BOARD_NAME}_L4T_${L4T_VERSION}_${AVT_RELEASE}"
	} else {
		tmpl = "AlliedVision_NVidia_L4T_${L4T_VERSION}_${AVT_RELEASE}"
	}
	s, _ := v.Render(tmpl)
	return s
}
