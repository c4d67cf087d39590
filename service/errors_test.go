package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
)

func TestFatal(t *testing.T) {
	if Fatal(fmt.Errorf("not fatal")) {
		t.Fail()
	}
	if !Fatal(MakeFatal(fmt.Errorf("fatal"))) {
		t.Fail()
	}
	err := fmt.Errorf("Build.commit: %w", ErrStorageTransaction{Op: "commit", Err: fmt.Errorf("disk full")})
	if !Fatal(err) {
		t.Errorf("storage transaction errors must be fatal")
	}
	if Temporary(err) {
		t.Errorf("storage transaction errors are not temporary")
	}
}

func TestTypedErrors(t *testing.T) {
	err := fmt.Errorf("Extract.open: %w", ErrDecode{Path: "a.png", Err: os.ErrNotExist})
	var decodeErr ErrDecode
	if !errors.As(err, &decodeErr) {
		t.Fatal("ErrDecode expected")
	}
	if decodeErr.Path != "a.png" {
		t.Errorf("expected a.png, got %s", decodeErr.Path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ErrDecode must unwrap")
	}
	var projErr ErrProjection
	if errors.As(err, &projErr) {
		t.Errorf("not a projection error")
	}
	err = ErrManifestIO{Dir: "/data", Err: fmt.Errorf("invalid json")}
	if !strings.Contains(err.Error(), "/data") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestMergeErrors(t *testing.T) {
	tmp := MakeTemporary(fmt.Errorf("tmp"))
	fatal := MakeFatal(fmt.Errorf("fatal"))
	if err := MergeErrors(false, nil, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := MergeErrors(true, nil, tmp); !Temporary(err) {
		t.Errorf("expected a temporary error, got %v", err)
	}
	if err := MergeErrors(true, tmp, fatal); !Fatal(err) {
		t.Errorf("expected a fatal error, got %v", err)
	}
}

func TestTemporary(t *testing.T) {
	if Temporary(fmt.Errorf("no world file")) {
		t.Errorf("plain errors are not temporary")
	}
	tests := []error{
		MakeTemporary(fmt.Errorf("busy")),
		fmt.Errorf("Acquire.Open: %w", MakeTemporary(fmt.Errorf("busy"))),
		fmt.Errorf("Read: %w", context.Canceled),
		context.DeadlineExceeded,
		&url.Error{Op: "Get", URL: "/tiles", Err: context.DeadlineExceeded},
	}
	for _, err := range tests {
		if !Temporary(err) {
			t.Errorf("%v must be temporary", err)
		}
	}
}
