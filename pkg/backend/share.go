package backend

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dweb"
	"snowbird/pkg/types"
)

const shareScheme = "snowbird"

// ShareLink is the content of a group share URL.
type ShareLink struct {
	Key   types.Key
	Name  string
	Peers []string
}

// FormatShareURL renders snowbird://group/{key}?name={name}&peer={addr}...
func FormatShareURL(link ShareLink) string {
	q := url.Values{}
	if link.Name != "" {
		q.Set("name", link.Name)
	}
	for _, p := range link.Peers {
		q.Add("peer", p)
	}

	u := url.URL{
		Scheme:   shareScheme,
		Host:     "group",
		Path:     "/" + link.Key.String(),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ParseShareURL parses a URL produced by FormatShareURL.
func ParseShareURL(raw string) (ShareLink, error) {
	var link ShareLink

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return link, apperr.Wrap(apperr.InvalidArgument, dweb.ErrInvalidShareURL, "%v", err)
	}
	if u.Scheme != shareScheme || u.Host != "group" {
		return link, apperr.Wrap(apperr.InvalidArgument, dweb.ErrInvalidShareURL,
			"expected %s://group/{key}, got %q", shareScheme, raw)
	}

	key, err := types.ParseKey(strings.Trim(u.Path, "/"))
	if err != nil {
		return link, apperr.Wrap(apperr.InvalidArgument, dweb.ErrInvalidShareURL, "%v", err)
	}

	q := u.Query()
	for _, p := range q["peer"] {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return link, apperr.Wrap(apperr.InvalidArgument, dweb.ErrInvalidShareURL,
				"bad peer address %q", p)
		}
		link.Peers = append(link.Peers, p)
	}

	link.Key = key
	link.Name = q.Get("name")
	return link, nil
}

func (l ShareLink) String() string {
	return fmt.Sprintf("%s (%d peers)", l.Key, len(l.Peers))
}
