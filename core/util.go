package core

import "encoding/base64"

// b64/unb64 are used both by the provisional-key map keying (§4.E) and
// by the key safe's JSON-with-binary-escapes codec (§4.H).
func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
