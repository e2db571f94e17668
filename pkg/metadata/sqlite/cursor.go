package sqlite

import (
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/nexusfs/core/pkg/metadata"
)

func cursorFingerprint(prefix string, recursive bool, tenantID string) string {
	h := fnv.New32a()
	h.Write([]byte(prefix))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(recursive)))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	return fmt.Sprintf("%x", h.Sum32())
}

func encodeCursor(fingerprint, lastPath string) metadata.Cursor {
	raw := fingerprint + "|" + lastPath
	return metadata.Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

func decodeCursor(c metadata.Cursor) (fingerprint, lastPath string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
