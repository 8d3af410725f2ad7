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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for passwords at rest.
const (
	kdfIterations = 4096
	kdfKeyLen     = 32
	kdfSaltLen    = 16
)

// ErrUserExists is returned by AddUser for a duplicate username.
var ErrUserExists = errors.New("username already exists")

// ErrNoSuchUser is returned when a username is not in the store.
var ErrNoSuchUser = errors.New("no such user")

// UserDB is the credential store the mediator consumes. Durability is
// the store's concern, not the mediator's.
type UserDB interface {
	UsernameExists(username string) (bool, error)
	VerifyPassword(username, password string) (bool, error)
	AddUser(username, password string) error
	AllUsernames() ([]string, error)
	Close() error
}

type storedUser struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
}

func hashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha1.New)
}

// fileUserDB keeps credentials in a JSON file, passwords as salted
// PBKDF2 hashes. Writes go through a temp file + rename.
type fileUserDB struct {
	mu    sync.Mutex
	path  string
	users map[string]storedUser
}

// OpenFileUserDB loads the store at path, creating an empty one when
// the file does not exist yet.
func OpenFileUserDB(path string) (UserDB, error) {
	db := &fileUserDB{path: path, users: make(map[string]storedUser)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, errors.Wrap(err, "read user db")
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &db.users); err != nil {
			return nil, errors.Wrap(err, "parse user db")
		}
	}
	return db, nil
}

func (db *fileUserDB) UsernameExists(username string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.users[username]
	return ok, nil
}

func (db *fileUserDB) VerifyPassword(username, password string) (bool, error) {
	db.mu.Lock()
	u, ok := db.users[username]
	db.mu.Unlock()
	if !ok {
		return false, ErrNoSuchUser
	}
	return hmac.Equal(u.Hash, hashPassword(password, u.Salt)), nil
}

func (db *fileUserDB) AddUser(username, password string) error {
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return errors.Wrap(err, "salt entropy")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.users[username]; ok {
		return ErrUserExists
	}
	db.users[username] = storedUser{Salt: salt, Hash: hashPassword(password, salt)}
	return db.saveLocked()
}

func (db *fileUserDB) AllUsernames() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.users))
	for name := range db.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (db *fileUserDB) Close() error { return nil }

func (db *fileUserDB) saveLocked() error {
	raw, err := json.MarshalIndent(db.users, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal user db")
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "write user db")
	}
	return errors.Wrap(os.Rename(tmp, db.path), "replace user db")
}

// memoryUserDB backs tests and throwaway deployments.
type memoryUserDB struct {
	mu    sync.Mutex
	users map[string]storedUser
}

// NewMemoryUserDB returns an empty in-memory store.
func NewMemoryUserDB() UserDB {
	return &memoryUserDB{users: make(map[string]storedUser)}
}

func (db *memoryUserDB) UsernameExists(username string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.users[username]
	return ok, nil
}

func (db *memoryUserDB) VerifyPassword(username, password string) (bool, error) {
	db.mu.Lock()
	u, ok := db.users[username]
	db.mu.Unlock()
	if !ok {
		return false, ErrNoSuchUser
	}
	return hmac.Equal(u.Hash, hashPassword(password, u.Salt)), nil
}

func (db *memoryUserDB) AddUser(username, password string) error {
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return errors.Wrap(err, "salt entropy")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.users[username]; ok {
		return ErrUserExists
	}
	db.users[username] = storedUser{Salt: salt, Hash: hashPassword(password, salt)}
	return nil
}

func (db *memoryUserDB) AllUsernames() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.users))
	for name := range db.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (db *memoryUserDB) Close() error { return nil }
