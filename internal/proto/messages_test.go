package proto

import (
	"bytes"
	"testing"
)

func TestEncodeConfig(t *testing.T) {
	b, err := Config("10.0.0.1", 62301).Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"config","address":"10.0.0.1","port":62301}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestEncodeShellDataIsRaw(t *testing.T) {
	m := ShellData([]byte{0x1b, '[', 'A', 0})
	if !m.Binary() {
		t.Fatal("shellData must be binary")
	}
	b, _ := m.Encode()
	if !bytes.Equal(b, []byte{0x1b, '[', 'A', 0}) {
		t.Fatalf("payload altered: %v", b)
	}
	if ShellConnected().Binary() {
		t.Fatal("shellConnected must be text")
	}
}

func TestDecodeInput(t *testing.T) {
	b, err := DecodeInput([]byte(`{"type":"char","data":"ls\r"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "ls\r" {
		t.Fatalf("got %q", b)
	}
	if _, err := DecodeInput([]byte(`{"type":"resize"}`)); err == nil {
		t.Fatal("expected error for non-char type")
	}
	if _, err := DecodeInput([]byte(`nope`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}
