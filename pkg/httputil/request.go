package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entityaudit/pkg/contextkeys"
)

const (
	// UserNameParam is the query parameter carrying a caller-asserted user name
	UserNameParam = "user.name"
	// RemoteUserHeader is the legacy header carrying the user name
	RemoteUserHeader = "Remote-User"
	// DoAsParam is the impersonation override query parameter
	DoAsParam = "doAs"

	// DefaultQueryParamMaxLength is the default limit applied by ValidateQueryParamLength
	DefaultQueryParamMaxLength = 4096
)

// ErrInvalidQueryParamLength matches errors from ValidateQueryParamLength
var ErrInvalidQueryParamLength = errors.New("invalid query parameter length")

// QueryParamLengthError reports a query parameter longer than the configured maximum
type QueryParamLengthError struct {
	Param  string
	Length int
	Max    int
}

func (e *QueryParamLengthError) Error() string {
	return fmt.Sprintf("query parameter %s length %d exceeds maximum %d", e.Param, e.Length, e.Max)
}

func (e *QueryParamLengthError) Is(target error) bool {
	return target == ErrInvalidQueryParamLength
}

// UserSource names where GetUserFromRequest found the user
type UserSource string

const (
	UserSourceNone       UserSource = ""
	UserSourcePrincipal  UserSource = "principal"
	UserSourceQueryParam UserSource = "query_param"
	UserSourceHeader     UserSource = "header"
	UserSourceDoAs       UserSource = "doAs"
)

// ResolveUser returns the calling user and where it came from. Sources are tried in
// order: authenticated principal, user.name query parameter, Remote-User header,
// doAs query parameter. Only the first is authenticated; the others are caller
// assertions and doAs is an impersonation request that is not access checked here.
func ResolveUser(r *http.Request) (string, UserSource) {
	if user := contextkeys.GetPrincipal(r.Context()); user != "" {
		return user, UserSourcePrincipal
	}
	if user := r.URL.Query().Get(UserNameParam); user != "" {
		return user, UserSourceQueryParam
	}
	if user := r.Header.Get(RemoteUserHeader); user != "" {
		return user, UserSourceHeader
	}
	if user := GetDoAsUser(r); user != "" {
		return user, UserSourceDoAs
	}
	return "", UserSourceNone
}

// GetUserFromRequest returns the calling user, or "" when no source names one
func GetUserFromRequest(r *http.Request) string {
	user, _ := ResolveUser(r)
	return user
}

// GetDoAsUser returns the first doAs value in the raw query string
func GetDoAsUser(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil && len(values) == 0 {
		return ""
	}
	return values.Get(DoAsParam)
}

// GetUserName returns the authenticated principal only
func GetUserName(r *http.Request) string {
	return contextkeys.GetPrincipal(r.Context())
}

// GetHostName returns the host the request was addressed to, without the port
func GetHostName(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// GetRequestURI returns the escaped request path plus the query string, if any
func GetRequestURI(r *http.Request) string {
	uri := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}
	return uri
}

// GetRequestURL returns the absolute request URL including the query string
func GetRequestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + GetRequestURI(r)
}

// GetRequestPayload reads the whole request body. The body is replaced with a copy
// so later handlers can read it again.
func GetRequestPayload(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return string(data), nil
}

// GetParameterMap returns the first value of every query and form parameter
func GetParameterMap(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}
	params := make(map[string]string, len(r.Form))
	for k, v := range r.Form {
		if len(v) > 0 {
			params[k] = v[0]
		} else {
			params[k] = ""
		}
	}
	return params, nil
}

// DecodeQueryString percent-decodes a query string; '+' is left as is
func DecodeQueryString(query string) (string, error) {
	decoded, err := url.PathUnescape(query)
	if err != nil {
		return "", fmt.Errorf("failed to decode query string: %w", err)
	}
	return decoded, nil
}

// ValidateQueryParamLength rejects a value longer than maxLen characters.
// maxLen <= 0 uses DefaultQueryParamMaxLength.
func ValidateQueryParamLength(name, value string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultQueryParamMaxLength
	}
	if n := utf8.RuneCountInString(value); n > maxLen {
		return &QueryParamLengthError{Param: name, Length: n, Max: maxLen}
	}
	return nil
}

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}
