package mqtt

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDecodePropertiesRejectsDuplicateID(t *testing.T) {
	var propBody []byte
	propBody = append(propBody, propSessionExpiryInterval, 0, 0, 0, 10)
	propBody = append(propBody, propSessionExpiryInterval, 0, 0, 0, 20) // duplicate
	block := encodePropertiesBlock(propBody)

	err := decodeProperties(bytes.NewReader(block), func(id byte, r io.Reader) error {
		_, err := readUint32(r)
		return err
	})
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("got %v, want ErrProtocolError", err)
	}
}

func TestDecodePropertiesAllowsRepeatedUserProperty(t *testing.T) {
	var propBody []byte
	propBody = append(propBody, propUserProperty)
	propBody = WriteStringPair(propBody, StringPair{Key: "a", Value: "1"})
	propBody = append(propBody, propUserProperty)
	propBody = WriteStringPair(propBody, StringPair{Key: "b", Value: "2"})
	block := encodePropertiesBlock(propBody)

	var got []StringPair
	err := decodeProperties(bytes.NewReader(block), func(id byte, r io.Reader) error {
		if id != propUserProperty {
			t.Fatalf("unexpected property id 0x%02x", id)
		}
		p, err := ReadStringPair(r)
		if err != nil {
			return err
		}
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d user properties, want 2", len(got))
	}
}

func TestDecodePropertiesEmptyBlock(t *testing.T) {
	block := encodePropertiesBlock(nil)
	called := false
	err := decodeProperties(bytes.NewReader(block), func(id byte, r io.Reader) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if called {
		t.Error("callback invoked for an empty properties block")
	}
}
