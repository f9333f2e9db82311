package github

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrInvalidName = errors.New("invalid repository name")

	namePart = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// ParseRepoName accepts "owner/name" or a github.com URL pointing at a
// repository (or any page below it) and returns the canonical "owner/name".
func ParseRepoName(in string) (string, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return "", ErrInvalidName
	}

	if strings.Contains(s, "://") || strings.HasPrefix(strings.ToLower(s), "github.com/") || strings.HasPrefix(strings.ToLower(s), "www.github.com/") {
		if !strings.Contains(s, "://") {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil {
			return "", ErrInvalidName
		}
		host := strings.ToLower(u.Hostname())
		if host != "github.com" && host != "www.github.com" {
			return "", ErrInvalidName
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) < 2 {
			return "", ErrInvalidName
		}
		return join(parts[0], strings.TrimSuffix(parts[1], ".git"))
	}

	owner, name, ok := strings.Cut(s, "/")
	if !ok || strings.Contains(name, "/") {
		return "", ErrInvalidName
	}
	return join(owner, name)
}

func join(owner, name string) (string, error) {
	if !namePart.MatchString(owner) || !namePart.MatchString(name) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return owner + "/" + name, nil
}
