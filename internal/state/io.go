package state

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// decodedLen returns the byte length of s once Base64-decoded, without
// keeping the decoded bytes around -- validate only needs the length.
func decodedLen(s string) (uint64, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return uint64(len(decoded)), nil
}
