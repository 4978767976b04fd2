package shed

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/mixos-go/shed/pkg/errs"
)

var (
	validRepositoryName = regexp.MustCompile(`^[a-z0-9_]+$`)
	validOwner          = regexp.MustCompile(`^[a-z0-9._-]+$`)
)

// ValidateRepositoryName checks name against the naming rules of the shed.
func ValidateRepositoryName(name string, reserved []string) error {
	if isReserved(name, reserved) {
		return errs.Invalidf("The term '%s' is a reserved word in the Tool Shed, so it cannot be used as a repository name.", name)
	}
	if len(name) < 2 {
		return errs.Invalidf("Repository names must be at least 2 characters in length.")
	}
	if len(name) > 80 {
		return errs.Invalidf("Repository names cannot be more than 80 characters in length.")
	}
	if !validRepositoryName.MatchString(name) {
		return errs.Invalidf("Repository names must contain only lower-case letters, numbers and underscore.")
	}
	return nil
}

// ValidateOwner checks a public user name.
func ValidateOwner(owner string, reserved []string) error {
	if isReserved(owner, reserved) {
		return errs.Invalidf("The term '%s' is a reserved word in the Tool Shed, so it cannot be used as a public user name.", owner)
	}
	if len(owner) < 3 {
		return errs.Invalidf("Public names must be at least 3 characters in length.")
	}
	if len(owner) > 255 {
		return errs.Invalidf("Public names cannot be more than 255 characters in length.")
	}
	if !validOwner.MatchString(owner) {
		return errs.Invalidf("Public names must contain only lower-case letters, numbers, '.', '_' and '-'.")
	}
	return nil
}

func isReserved(s string, reserved []string) bool {
	for _, r := range reserved {
		if strings.EqualFold(r, s) {
			return true
		}
	}
	return false
}

// Host strips the scheme, credentials and trailing slashes from a tool
// shed URL so that http://host:9009/ and host:9009 compare equal.
func Host(u string) string {
	u = strings.TrimSpace(u)
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(parsed.Host+parsed.Path, "/")
}

// SameShed reports whether two tool shed URLs name the same shed.
func SameShed(a, b string) bool {
	return strings.EqualFold(Host(a), Host(b))
}
