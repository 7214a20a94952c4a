package cryptoprovider

import (
	"bytes"
	"testing"

	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := New()

	client, err := p.CreateKeys()
	if err != nil {
		t.Fatalf("CreateKeys (client): %v", err)
	}
	defer p.DropKeys(&client)

	server, err := p.CreateKeys()
	if err != nil {
		t.Fatalf("CreateKeys (server): %v", err)
	}
	defer p.DropKeys(&server)

	nonce, err := p.GenerateRandomNonce(secretbuf.Readable)
	if err != nil {
		t.Fatalf("GenerateRandomNonce: %v", err)
	}
	defer nonce.Destroy()

	plain := []byte(`{"action":"get-databasehash"}`)
	ciphertext, err := p.Encrypt(client, plain, server.Public, nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decrypted, err := p.Decrypt(server, ciphertext, client.Public, nonce)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", decrypted, plain)
	}
}

func TestDecryptFailsOnCorruptedCiphertext(t *testing.T) {
	p := New()
	client, _ := p.CreateKeys()
	defer p.DropKeys(&client)
	server, _ := p.CreateKeys()
	defer p.DropKeys(&server)
	nonce, _ := p.GenerateRandomNonce(secretbuf.Readable)
	defer nonce.Destroy()

	ciphertext, err := p.Encrypt(client, []byte("secret"), server.Public, nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	corrupted := append([]byte(nil), ciphertext...)
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := p.Decrypt(server, corrupted, client.Public, nonce); err == nil {
		t.Fatal("expected decryption of corrupted ciphertext to fail")
	}
}

func TestDecryptFailsOnCorruptedNonce(t *testing.T) {
	p := New()
	client, _ := p.CreateKeys()
	defer p.DropKeys(&client)
	server, _ := p.CreateKeys()
	defer p.DropKeys(&server)
	nonce, _ := p.GenerateRandomNonce(secretbuf.Readable)
	defer nonce.Destroy()

	ciphertext, err := p.Encrypt(client, []byte("secret"), server.Public, nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	badNonce, _ := nonce.Clone()
	defer badNonce.Destroy()
	raw, _ := badNonce.BytesMut()
	raw[0] ^= 0x01

	if _, err := p.Decrypt(server, ciphertext, client.Public, badNonce); err == nil {
		t.Fatal("expected decryption with wrong nonce to fail")
	}
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	p := New()
	client, _ := p.CreateKeys()
	defer p.DropKeys(&client)
	server, _ := p.CreateKeys()
	defer p.DropKeys(&server)
	eve, _ := p.CreateKeys()
	defer p.DropKeys(&eve)
	nonce, _ := p.GenerateRandomNonce(secretbuf.Readable)
	defer nonce.Destroy()

	ciphertext, err := p.Encrypt(client, []byte("secret"), server.Public, nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := p.Decrypt(eve, ciphertext, client.Public, nonce); err == nil {
		t.Fatal("expected decryption with wrong secret key to fail")
	}
}

func TestCreateKeysAreUnique(t *testing.T) {
	p := New()
	a, _ := p.CreateKeys()
	defer p.DropKeys(&a)
	b, _ := p.CreateKeys()
	defer p.DropKeys(&b)

	eq, err := a.Public.Equal(b.Public)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if eq {
		t.Fatal("expected independently generated keypairs to differ")
	}
}

func TestGenerateRandomNonceLength(t *testing.T) {
	p := New()
	nonce, err := p.GenerateRandomNonce(secretbuf.Readable)
	if err != nil {
		t.Fatalf("GenerateRandomNonce: %v", err)
	}
	defer nonce.Destroy()
	if nonce.Len() != NonceSize {
		t.Fatalf("expected nonce length %d, got %d", NonceSize, nonce.Len())
	}
}

func TestDropKeysZeroizes(t *testing.T) {
	p := New()
	keys, err := p.CreateKeys()
	if err != nil {
		t.Fatalf("CreateKeys: %v", err)
	}
	p.DropKeys(&keys)

	if _, err := keys.Secret.Bytes(); err == nil {
		t.Fatal("expected secret key to be inaccessible after DropKeys")
	}
	if _, err := keys.Public.Bytes(); err == nil {
		t.Fatal("expected public key to be inaccessible after DropKeys")
	}
}
