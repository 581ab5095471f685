package qrcode

import (
	"bytes"
	"testing"
)

func TestPNG(t *testing.T) {
	s := "00020101021229130009cafe@aclb5303840540510.005802KH5911Corner Cafe6010Phnom Penh62210117ORD-20261019-00016304203E"
	img, err := PNG(s, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(img, []byte("\x89PNG")) {
		t.Error("Expected PNG header")
	}

	if _, err := PNG(s[:len(s)-1]+"F", 256); err == nil {
		t.Error("Expected error for bad CRC")
	}
}
