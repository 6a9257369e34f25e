package pyruntime

import (
	"regexp"
	"strings"
)

// Requirement validation runs before any subprocess is spawned. Only a bare
// package name with an optional extras list and an optional PEP 440 version
// specifier is accepted; anything that could smuggle a URL, a local path or
// shell syntax into the pip command line is rejected.

var (
	packageNameRE = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?`)

	// name, optional [extras], optional comma-separated version clauses.
	requirementRE = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?` +
		`(?:\[[A-Za-z0-9._,\s-]+\])?` +
		`\s*(?:(?:===|==|!=|~=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*(?:,\s*(?:===|==|!=|~=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*)*)?$`)

	canonicalSepRE = regexp.MustCompile(`[-_.]+`)

	vcsSchemes = []string{"git+", "hg+", "svn+", "bzr+"}
)

// CanonicalPackageName folds a package name per PEP 503: lowercase, with
// runs of "-", "_" and "." collapsed to a single "-". The fold is idempotent.
func CanonicalPackageName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return canonicalSepRE.ReplaceAllString(strings.ToLower(name), "-")
}

// ExtractPackageName returns the leading package name of a requirement
// string without altering the raw string. ok is false when no name can be
// extracted.
func ExtractPackageName(requirement string) (name string, ok bool) {
	req := strings.TrimSpace(requirement)
	if req == "" {
		return "", false
	}
	name = packageNameRE.FindString(req)
	if name == "" {
		return "", false
	}
	return name, true
}

// ValidateRequirements checks every requirement and returns the canonical
// package names in input order. The first offending requirement fails the
// whole batch with an UNSAFE_REQUIREMENT error and zero side effects.
func ValidateRequirements(requirements []string) ([]string, error) {
	if len(requirements) == 0 {
		return nil, newUnsafeRequirementError("", "empty requirement list")
	}

	canonical := make([]string, 0, len(requirements))
	for _, raw := range requirements {
		req := strings.TrimSpace(raw)
		if req == "" {
			return nil, newUnsafeRequirementError(raw, "empty requirement")
		}
		if reason, bad := unsafeReason(req); bad {
			return nil, newUnsafeRequirementError(req, reason)
		}
		if !requirementRE.MatchString(req) {
			return nil, newUnsafeRequirementError(req, "not a plain package requirement")
		}
		name, ok := ExtractPackageName(req)
		if !ok {
			return nil, newUnsafeRequirementError(req, "missing package name")
		}
		canonical = append(canonical, CanonicalPackageName(name))
	}
	return canonical, nil
}

func unsafeReason(req string) (string, bool) {
	lower := strings.ToLower(req)
	for _, scheme := range vcsSchemes {
		if strings.Contains(lower, scheme) {
			return "VCS requirement is not allowed", true
		}
	}
	if strings.Contains(lower, "://") {
		return "URL requirement is not allowed", true
	}
	if strings.ContainsAny(req, "/\\") {
		return "path separator is not allowed", true
	}
	if strings.ContainsAny(req, ";|&$<>`'\"#(){}") {
		return "shell metacharacter is not allowed", true
	}
	if strings.ContainsAny(req, "\n\r\t") {
		return "control character is not allowed", true
	}
	return "", false
}
