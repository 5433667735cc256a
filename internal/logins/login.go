package logins

import (
	"fmt"
	"net/url"
	"strings"
)

// Login is one saved credential.
//
// Times are Unix milliseconds. A login belongs either to a form
// (FormActionOrigin) or to an HTTP authentication realm (HTTPRealm),
// never both.
type Login struct {
	ID               string `json:"id"`
	Origin           string `json:"origin"`
	FormActionOrigin string `json:"form_action_origin,omitempty"`
	HTTPRealm        string `json:"http_realm,omitempty"`
	UsernameField    string `json:"username_field,omitempty"`
	PasswordField    string `json:"password_field,omitempty"`

	Username string `json:"username"`
	Password string `json:"password"` //nolint:gosec // Field name, not a credential

	TimesUsed           int64 `json:"times_used"`
	TimeCreated         int64 `json:"time_created"`
	TimeLastUsed        int64 `json:"time_last_used"`
	TimePasswordChanged int64 `json:"time_password_changed"`
}

// Validate checks the fields a login must have to be stored.
func (l *Login) Validate() error {
	if l.Origin == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalidLogin)
	}
	if err := validOrigin(l.Origin); err != nil {
		return fmt.Errorf("%w: origin: %w", ErrInvalidLogin, err)
	}
	if l.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidLogin)
	}

	switch {
	case l.FormActionOrigin == "" && l.HTTPRealm == "":
		return fmt.Errorf("%w: one of form_action_origin or http_realm is required", ErrInvalidLogin)
	case l.FormActionOrigin != "" && l.HTTPRealm != "":
		return fmt.Errorf("%w: form_action_origin and http_realm are mutually exclusive", ErrInvalidLogin)
	}

	// "javascript:" is what browsers record for forms submitted by script.
	if l.FormActionOrigin != "" && l.FormActionOrigin != "javascript:" {
		if err := validOrigin(l.FormActionOrigin); err != nil {
			return fmt.Errorf("%w: form_action_origin: %w", ErrInvalidLogin, err)
		}
	}

	if strings.ContainsAny(l.UsernameField+l.PasswordField, "\x00") {
		return fmt.Errorf("%w: field names contain NUL", ErrInvalidLogin)
	}
	return nil
}

// validOrigin accepts scheme://host[:port] with nothing after it.
func validOrigin(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an origin", s)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("%q has more than scheme, host and port", s)
	}
	return nil
}

// matchesBaseDomain reports whether origin's host is domain or a subdomain of it.
func matchesBaseDomain(origin, domain string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// isDupe reports whether two logins are for the same account on the same site.
func isDupe(a, b *Login) bool {
	return a.Origin == b.Origin &&
		a.FormActionOrigin == b.FormActionOrigin &&
		a.HTTPRealm == b.HTTPRealm &&
		a.Username == b.Username
}

// secureFields is the sealed part of a login row.
type secureFields struct {
	Username string `json:"u"`
	Password string `json:"p"` //nolint:gosec // Field name, not a credential
}
