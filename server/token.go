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
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
)

// Token error strings are part of the wire contract; clients match them
// verbatim.
var (
	ErrTokenNotFound = errors.New("Token does not exists")
	ErrTokenMismatch = errors.New("Token's username or connection name is wrong")
)

const tokenBytes = 16

type tokenClaim struct {
	username string
	connName string
}

// TokenGenerator mints single-use credentials binding a pending
// connection to exactly one (username, connection name) pair.
type TokenGenerator struct {
	mu     sync.Mutex
	tokens map[string]tokenClaim
}

// NewTokenGenerator returns an empty generator.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{tokens: make(map[string]tokenClaim)}
}

// Generate mints a token for the user's named connection. The token
// stays claimable until released.
func (g *TokenGenerator) Generate(username, connName string) ([]byte, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, errors.Wrap(err, "token entropy")
	}
	token := []byte(hex.EncodeToString(raw))
	g.mu.Lock()
	g.tokens[string(token)] = tokenClaim{username: username, connName: connName}
	g.mu.Unlock()
	return token, nil
}

// Release consumes the token iff it was minted for exactly this
// (username, connName). One-shot: a released token never matches again.
func (g *TokenGenerator) Release(token []byte, username, connName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	claim, ok := g.tokens[string(token)]
	if !ok {
		return ErrTokenNotFound
	}
	if claim.username != username || claim.connName != connName {
		return ErrTokenMismatch
	}
	delete(g.tokens, string(token))
	return nil
}

// Pending reports the number of unreleased tokens. REPL status only.
func (g *TokenGenerator) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}
