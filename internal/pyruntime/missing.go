package pyruntime

import (
	"regexp"
	"strings"
)

// missingModuleRE matches the module name out of Python import failures:
//
//	ModuleNotFoundError: No module named 'yaml'
//	ModuleNotFoundError: No module named "yaml"
//	ImportError: No module named dateutil.tz
var missingModuleRE = regexp.MustCompile(`(?:ModuleNotFoundError|ImportError):\s*No module named\s+['"]?([A-Za-z0-9_.]+)['"]?`)

// moduleAliases maps import names that differ from their PyPI distribution
// name. Unknown modules fall back to the import name with underscores
// replaced by hyphens.
var moduleAliases = map[string]string{
	"cv2":      "opencv-python",
	"yaml":     "pyyaml",
	"dateutil": "python-dateutil",
	"bs4":      "beautifulsoup4",
	"sklearn":  "scikit-learn",
	"PIL":      "pillow",
	"Crypto":   "pycryptodome",
	"fitz":     "pymupdf",
	"docx":     "python-docx",
	"pptx":     "python-pptx",
	"dotenv":   "python-dotenv",
	"OpenSSL":  "pyopenssl",
	"magic":    "python-magic",
}

// ParseMissingRequirementsFromOutput extracts installable requirement
// candidates from Python traceback text. For dotted module paths only the
// top-level segment matters. The result is deduplicated in first-seen order
// and contains only names that pass requirement validation.
func ParseMissingRequirementsFromOutput(output string) []string {
	if strings.TrimSpace(output) == "" {
		return []string{}
	}

	out := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)
	for _, match := range missingModuleRE.FindAllStringSubmatch(output, -1) {
		module := strings.TrimSpace(match[1])
		if module == "" {
			continue
		}
		if idx := strings.IndexByte(module, '.'); idx >= 0 {
			module = module[:idx]
		}
		requirement, ok := moduleAliases[module]
		if !ok {
			requirement = strings.ReplaceAll(module, "_", "-")
		}
		key := CanonicalPackageName(requirement)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if _, err := ValidateRequirements([]string{requirement}); err != nil {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, requirement)
	}
	return out
}
