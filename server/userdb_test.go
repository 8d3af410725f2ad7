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
	"path/filepath"
	"reflect"
	"testing"
)

func testUserDB(t *testing.T, db UserDB) {
	t.Helper()
	if err := db.AddUser("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddUser("alice", "other"); err != ErrUserExists {
		t.Fatalf("duplicate add: %v", err)
	}

	exists, err := db.UsernameExists("alice")
	if err != nil || !exists {
		t.Fatalf("alice missing: %v %v", exists, err)
	}
	exists, err = db.UsernameExists("bob")
	if err != nil || exists {
		t.Fatalf("bob present: %v %v", exists, err)
	}

	ok, err := db.VerifyPassword("alice", "hunter2")
	if err != nil || !ok {
		t.Fatalf("right password rejected: %v %v", ok, err)
	}
	ok, err = db.VerifyPassword("alice", "hunter3")
	if err != nil || ok {
		t.Fatalf("wrong password accepted: %v %v", ok, err)
	}
	if _, err := db.VerifyPassword("bob", "x"); err != ErrNoSuchUser {
		t.Fatalf("unknown user verify: %v", err)
	}
}

func TestMemoryUserDB(t *testing.T) {
	testUserDB(t, NewMemoryUserDB())
}

func TestFileUserDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	db, err := OpenFileUserDB(path)
	if err != nil {
		t.Fatal(err)
	}
	testUserDB(t, db)
	db.AddUser("bob", "secret")
	db.Close()

	// Reopen and check everything survived the round trip to disk.
	db2, err := OpenFileUserDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	ok, err := db2.VerifyPassword("alice", "hunter2")
	if err != nil || !ok {
		t.Fatalf("password lost across reload: %v %v", ok, err)
	}
	names, err := db2.AllUsernames()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"alice", "bob"}) {
		t.Fatalf("got %v", names)
	}
}
