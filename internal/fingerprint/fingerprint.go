package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"echo-forge-go/internal/types"
)

var youtubeID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// tracking parameters never change what a URL points at
var ignoredParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true, "utm_term": true,
	"utm_content": true, "si": true, "feature": true, "t": true, "fbclid": true, "gclid": true,
}

// Compute returns the job identity: a digest of the content (payload bytes
// for local input, the canonical URL for remote input) combined with the
// output-affecting settings.
func Compute(in types.Input, payload []byte, s types.Settings) (string, error) {
	var content string
	switch in.Kind {
	case types.InputRemote:
		canonical, err := CanonicalURL(in.URL)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256([]byte("url:" + canonical))
		content = hex.EncodeToString(sum[:])
	default:
		if len(payload) == 0 {
			return "", types.NewDecodeError("fingerprint", errors.New("empty payload"))
		}
		sum := sha256.Sum256(payload)
		content = hex.EncodeToString(sum[:])
	}

	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{'\n'})
	h.Write([]byte(SettingsSignature(s)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SettingsSignature serializes the settings that change the produced Result
// in a fixed key order. Retry budget and UI locale are left out.
func SettingsSignature(s types.Settings) string {
	s = s.Normalize()
	analyses := make([]string, len(s.AnalysisTypes))
	for i, a := range s.AnalysisTypes {
		analyses[i] = string(a)
	}
	parts := []string{
		"analysis=" + strings.Join(analyses, ","),
		"depth=" + string(s.Depth),
		"format=" + string(s.Format),
		"language=" + s.Language,
		"max_tokens=" + strconv.Itoa(s.MaxTokens),
		"model=" + s.Model,
		"temperature=" + strconv.FormatFloat(s.Temperature, 'f', -1, 64),
	}
	return strings.Join(parts, ";")
}

// CanonicalURL maps equivalent spellings of a remote source to one
// identifier. YouTube links collapse to "youtube:<id>"; other URLs lose
// their fragment and tracking parameters and get sorted queries.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", types.NewConfigurationError("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", types.NewConfigurationError("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", types.NewConfigurationError("url %q has no host", raw)
	}

	if id := YouTubeID(u); id != "" {
		return "youtube:" + id, nil
	}

	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if !ignoredParams[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(host)
	b.WriteString(strings.TrimSuffix(u.EscapedPath(), "/"))
	for i, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i == 0 && j == 0 {
				b.WriteByte('?')
			} else {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k) + "=" + url.QueryEscape(v))
		}
	}
	return b.String(), nil
}

// YouTubeID extracts the video id from watch, short, embed and shorts URLs.
func YouTubeID(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/v/"):
			id = strings.TrimPrefix(u.Path, "/v/")
		}
	}
	id = strings.Trim(id, "/")
	if youtubeID.MatchString(id) {
		return id
	}
	return ""
}

// Short is a display form of a fingerprint.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fmt.Sprintf("%s…", fp[:12])
}
