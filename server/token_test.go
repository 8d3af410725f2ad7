// The MIT License (MIT)
//
// # Copyright (c) 2026 screenlink
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"bytes"
	"testing"
)

func TestTokenReleaseOnce(t *testing.T) {
	g := NewTokenGenerator()
	token, err := g.Generate("alice", "mouse tracker")
	if err != nil {
		t.Fatal(err)
	}
	if g.Pending() != 1 {
		t.Fatalf("pending %d", g.Pending())
	}
	if err := g.Release(token, "alice", "mouse tracker"); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(token, "alice", "mouse tracker"); err != ErrTokenNotFound {
		t.Fatalf("second release: %v", err)
	}
	if g.Pending() != 0 {
		t.Fatalf("pending %d after release", g.Pending())
	}
}

func TestTokenBinding(t *testing.T) {
	g := NewTokenGenerator()
	token, err := g.Generate("alice", "screen share")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Release(token, "bob", "screen share"); err != ErrTokenMismatch {
		t.Fatalf("wrong user: %v", err)
	}
	if err := g.Release(token, "alice", "keyboard"); err != ErrTokenMismatch {
		t.Fatalf("wrong connection: %v", err)
	}
	// A failed claim must not consume the token.
	if err := g.Release(token, "alice", "screen share"); err != nil {
		t.Fatalf("rightful claim: %v", err)
	}
}

func TestTokenUnknown(t *testing.T) {
	g := NewTokenGenerator()
	if err := g.Release([]byte("deadbeef"), "alice", "x"); err != ErrTokenNotFound {
		t.Fatalf("got %v", err)
	}
}

func TestTokensDiffer(t *testing.T) {
	g := NewTokenGenerator()
	t1, _ := g.Generate("alice", "a")
	t2, _ := g.Generate("alice", "b")
	if bytes.Equal(t1, t2) {
		t.Fatal("two tokens identical")
	}
}
