package gocoral

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// scramClient implements the client side of RFC 5802 for the SCRAM-SHA1,
// SCRAM-SHA256 and SCRAM-SHA512 profiles the KV service offers.
type scramClient struct {
	newHash func() hash.Hash

	user string
	pass string

	clientNonce     string
	clientFirstBare string
	serverFirst     string
	serverNonce     string
	saltedPassword  []byte
}

func newScramClient(mech, user, pass string) (*scramClient, error) {
	sc := &scramClient{user: user, pass: pass}
	switch mech {
	case "SCRAM-SHA1":
		sc.newHash = sha1.New
	case "SCRAM-SHA256":
		sc.newHash = sha256.New
	case "SCRAM-SHA512":
		sc.newHash = sha512.New
	default:
		return nil, errors.Wrapf(ErrFeatureUnsupported, "sasl mechanism %q", mech)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sc.clientNonce = base64.StdEncoding.EncodeToString(nonce)
	return sc, nil
}

// clientFirst builds the client-first message with the "n,," gs2 header
// (no channel binding).
func (sc *scramClient) clientFirst() []byte {
	sc.clientFirstBare = "n=" + escapeSASLName(sc.user) + ",r=" + sc.clientNonce
	return []byte("n,," + sc.clientFirstBare)
}

// clientFinal consumes the server-first message and produces the
// client-final message carrying the proof.
func (sc *scramClient) clientFinal(serverFirst []byte) ([]byte, error) {
	sc.serverFirst = string(serverFirst)

	var saltB64 string
	var iters int
	for _, part := range strings.Split(sc.serverFirst, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			sc.serverNonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			n, err := strconv.Atoi(part[2:])
			if err != nil {
				return nil, errors.New("scram: bad iteration count")
			}
			iters = n
		}
	}
	if !strings.HasPrefix(sc.serverNonce, sc.clientNonce) {
		return nil, errors.New("scram: server nonce does not extend client nonce")
	}
	if saltB64 == "" || iters <= 0 {
		return nil, errors.New("scram: malformed server-first message")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, errors.New("scram: bad salt encoding")
	}

	sc.saltedPassword = pbkdf2.Key([]byte(sc.pass), salt, iters, sc.newHash().Size(), sc.newHash)

	withoutProof := "c=biws,r=" + sc.serverNonce
	authMsg := sc.authMessage(withoutProof)

	clientKey := sc.hmac(sc.saltedPassword, []byte("Client Key"))
	storedKey := sc.hashSum(clientKey)
	clientSig := sc.hmac(storedKey, []byte(authMsg))

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSig[i]
	}

	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return []byte(final), nil
}

// verifyServerFinal checks the server signature, proving the server also
// knows the stored credentials.
func (sc *scramClient) verifyServerFinal(serverFinal []byte) error {
	msg := string(serverFinal)
	if !strings.HasPrefix(msg, "v=") {
		return errors.New("scram: missing server signature")
	}
	got, err := base64.StdEncoding.DecodeString(msg[2:])
	if err != nil {
		return errors.New("scram: bad server signature encoding")
	}

	authMsg := sc.authMessage("c=biws,r=" + sc.serverNonce)
	serverKey := sc.hmac(sc.saltedPassword, []byte("Server Key"))
	want := sc.hmac(serverKey, []byte(authMsg))
	if !hmac.Equal(got, want) {
		return errors.New("scram: server signature mismatch")
	}
	return nil
}

func (sc *scramClient) authMessage(withoutProof string) string {
	return sc.clientFirstBare + "," + sc.serverFirst + "," + withoutProof
}

func (sc *scramClient) hmac(key, msg []byte) []byte {
	m := hmac.New(sc.newHash, key)
	m.Write(msg)
	return m.Sum(nil)
}

func (sc *scramClient) hashSum(b []byte) []byte {
	h := sc.newHash()
	h.Write(b)
	return h.Sum(nil)
}

// escapeSASLName applies the RFC 5802 username escaping for '=' and ','.
func escapeSASLName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}
