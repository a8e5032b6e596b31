package auth

import "testing"

func TestHashAndCheckToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "s3cret" {
		t.Fatal("token stored in clear")
	}
	if !CheckToken("s3cret", hash) {
		t.Error("correct token rejected")
	}
	if CheckToken("wrong", hash) {
		t.Error("wrong token accepted")
	}
}

func TestVerifier(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(hash)
	if !v.Enabled() {
		t.Fatal("verifier with hash should be enabled")
	}
	if v.Check("") || v.Check("nope") {
		t.Error("bad token accepted")
	}
	for i := 0; i < 2; i++ {
		if !v.Check("s3cret") {
			t.Fatalf("good token rejected on call %d", i+1)
		}
	}
	if v.Check("nope") {
		t.Error("bad token accepted after a good one was cached")
	}

	if NewVerifier("").Enabled() {
		t.Error("verifier without hash should be disabled")
	}
}
