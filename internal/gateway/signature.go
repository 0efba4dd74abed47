// ABOUTME: Webhook request signature validation (Twilio HMAC-SHA1 scheme).

package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
)

// validSignature checks the X-Twilio-Signature header: HMAC-SHA1 over the
// full request URL concatenated with the form parameters sorted by name,
// keyed with the shared secret, base64 encoded.
func validSignature(r *http.Request, publicURL, secret string) bool {
	got := r.Header.Get("X-Twilio-Signature")
	if got == "" {
		return false
	}

	names := make([]string, 0, len(r.PostForm))
	for name := range r.PostForm {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(publicURL)
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(r.PostForm.Get(name))
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
