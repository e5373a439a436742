package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// ErrInvalidEgress is returned for descriptors that cannot be parsed.
var ErrInvalidEgress = errors.New("invalid egress descriptor")

// ParseEgress parses one egress descriptor. Accepted forms:
//
//	host:port
//	host:port:user:pass
//	scheme://[user:pass@]host:port
func ParseEgress(raw string) (harvest.EgressPoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return harvest.EgressPoint{}, fmt.Errorf("%w: empty", ErrInvalidEgress)
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return harvest.EgressPoint{}, fmt.Errorf("%w: %v", ErrInvalidEgress, err)
		}
		if u.Hostname() == "" || u.Port() == "" {
			return harvest.EgressPoint{}, fmt.Errorf("%w: %q needs host and port", ErrInvalidEgress, redactRaw(raw))
		}
		ep := harvest.EgressPoint{Raw: raw, Scheme: strings.ToLower(u.Scheme), Host: u.Host}
		if u.User != nil {
			ep.Username = u.User.Username()
			ep.Password, _ = u.User.Password()
		}
		return ep, nil
	}

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		if err := validHostPort(parts[0], parts[1]); err != nil {
			return harvest.EgressPoint{}, err
		}
		return harvest.EgressPoint{Raw: raw, Scheme: "http", Host: net.JoinHostPort(parts[0], parts[1])}, nil
	case 4:
		if err := validHostPort(parts[0], parts[1]); err != nil {
			return harvest.EgressPoint{}, err
		}
		return harvest.EgressPoint{
			Raw:      raw,
			Scheme:   "http",
			Host:     net.JoinHostPort(parts[0], parts[1]),
			Username: parts[2],
			Password: parts[3],
		}, nil
	default:
		return harvest.EgressPoint{}, fmt.Errorf("%w: %q", ErrInvalidEgress, redactRaw(raw))
	}
}

func validHostPort(host, port string) error {
	if host == "" || port == "" {
		return fmt.Errorf("%w: host and port are required", ErrInvalidEgress)
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: port %q is not numeric", ErrInvalidEgress, port)
		}
	}
	return nil
}

func redactRaw(raw string) string {
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			return raw[:scheme+3] + raw[at+1:]
		}
		return raw[at+1:]
	}
	return raw
}

// LoadEgress reads the egress file, one descriptor per line. Blank lines and
// lines starting with '#' are ignored. A missing file means "run unproxied"
// and returns an empty list. Unparseable lines are returned as errors joined
// together alongside the valid points.
func LoadEgress(path string) ([]harvest.EgressPoint, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read egress points: %w", err)
	}

	var (
		points []harvest.EgressPoint
		errs   []error
		seen   = map[string]struct{}{}
		lineNo int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		ep, err := ParseEgress(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		points = append(points, ep)
	}
	return points, errors.Join(errs...)
}
