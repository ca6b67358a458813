package router

import (
	"fmt"
	"strings"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// Rewrite returns the outbound path and Host for a match.
//
// Without a rewrite the path is forwarded unchanged. A rewrite that reuses the
// match regex expands the submatches captured during Match; a rewrite with its
// own regex evaluates it once here. A rewrite that cannot be applied is an
// internal error and the original path is never forwarded in its place.
func Rewrite(m *Match, inboundHost string) (path, host string, err error) {
	r := m.Rule
	host = inboundHost
	if r.HostRewrite != "" {
		host = r.HostRewrite
	}
	if r.Rewrite == nil {
		return m.Path, host, nil
	}

	re, sm := r.Regex, m.submatch
	if r.Rewrite.Pattern != nil {
		re = r.Rewrite.Pattern
		sm = re.FindStringSubmatchIndex(m.Path)
	}
	if re == nil || sm == nil {
		return "", "", fmt.Errorf("%w: rule %q: pattern did not match %q", model.ErrRewrite, r.Name, m.Path)
	}

	out := string(re.ExpandString(nil, r.Rewrite.Substitution, m.Path, sm))
	switch {
	case out == "":
		out = "/"
	case !strings.HasPrefix(out, "/"):
		out = "/" + out
	}
	return out, host, nil
}
