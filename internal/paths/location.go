package paths

import (
	"net"
	"net/url"
	"strings"

	"gitlab.com/tozd/go/errors"
)

const (
	SchemeLocal = "local"
	SchemeSFTP  = "sftp"
)

// Location is a parsed backend identifier such as "local:/srv/cache",
// "sftp:nas:/volume1/photos" or "ssh://alice@nas:2222/volume1/photos".
// A string without a scheme is a local path.
type Location struct {
	Scheme string
	User   string
	Host   string
	Port   string
	Path   string
}

func ParseLocation(raw string) (Location, error) {
	raw = strings.Trim(strings.TrimSpace(raw), `"'`)
	if raw == "" {
		return Location{}, errors.New("empty location")
	}

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Location{}, errors.Errorf("invalid ssh URL: %w", err)
		}
		if u.Hostname() == "" {
			return Location{}, errors.Errorf("ssh URL %q has no host", raw)
		}
		p := u.Path
		if p == "" {
			p = "/"
		}
		return Location{
			Scheme: SchemeSFTP,
			User:   u.User.Username(),
			Host:   u.Hostname(),
			Port:   u.Port(),
			Path:   p,
		}, nil

	case strings.HasPrefix(raw, SchemeSFTP+":"):
		rest := strings.TrimPrefix(raw, SchemeSFTP+":")
		host, p, ok := strings.Cut(rest, ":")
		if !ok || host == "" {
			return Location{}, errors.Errorf("sftp location %q must be sftp:host:/path", raw)
		}
		loc := Location{Scheme: SchemeSFTP, Host: host, Path: p}
		if user, h, found := strings.Cut(host, "@"); found {
			loc.User, loc.Host = user, h
		}
		if loc.Path == "" {
			loc.Path = "."
		}
		return loc, nil

	case strings.HasPrefix(raw, SchemeLocal+":"):
		p := strings.TrimPrefix(raw, SchemeLocal+":")
		if p == "" {
			return Location{}, errors.Errorf("local location %q has no path", raw)
		}
		return Location{Scheme: SchemeLocal, Path: p}, nil
	}

	return Location{Scheme: SchemeLocal, Path: raw}, nil
}

// Address is host:port, defaulting the port to 22.
func (l Location) Address() string {
	port := l.Port
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(l.Host, port)
}

func (l Location) String() string {
	if l.Scheme != SchemeSFTP {
		return SchemeLocal + ":" + l.Path
	}
	host := l.Host
	if l.User != "" {
		host = l.User + "@" + host
	}
	if l.Port != "" {
		return "ssh://" + host + ":" + l.Port + "/" + strings.TrimPrefix(l.Path, "/")
	}
	return SchemeSFTP + ":" + host + ":" + l.Path
}
