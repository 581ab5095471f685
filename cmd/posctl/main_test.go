package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKHQRBuildAndCRC(t *testing.T) {
	out, err := run(t, "khqr", "build", "--account", "cafe@aclb", "--amount", "10",
		"--merchant", "Corner Cafe", "--city", "Phnom Penh", "--bill", "ORD-20261019-0001")
	if err != nil {
		t.Fatal(err)
	}
	var p struct {
		QRString string `json:"qr_string"`
		MD5      string `json:"md5"`
	}
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatal(err, out)
	}
	want := "00020101021229130009cafe@aclb5303840540510.005802KH5911Corner Cafe6010Phnom Penh62210117ORD-20261019-00016304203E"
	if p.QRString != want || p.MD5 != "96adf830719865053e1af96086e5036d" {
		t.Errorf("unexpected payload %+v", p)
	}

	out, err = run(t, "khqr", "crc", want)
	if err != nil || !strings.Contains(out, "crc ok") {
		t.Errorf("Expected crc ok, got %q %v", out, err)
	}
	if _, err := run(t, "khqr", "crc", want[:len(want)-1]+"F"); err == nil {
		t.Error("Expected crc mismatch")
	}
}

func TestKHQRBuildRequiresAccount(t *testing.T) {
	if _, err := run(t, "khqr", "build", "--amount", "1"); err == nil {
		t.Error("Expected error without --account")
	}
}
