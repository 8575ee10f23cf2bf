/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package secrets seals tenant credentials with AES-256-GCM. The wire form is
// "hex(iv):hex(tag):hex(ciphertext)" with a 12-byte random IV and a 16-byte
// tag, so sealed values are self-describing and easy to spot in a document
// store.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/openclaw/fleetd/lib/types"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

// sealedRe matches the iv:tag:ciphertext triple. The ciphertext token may be
// empty for a sealed empty string.
var sealedRe = regexp.MustCompile(`^[0-9a-f]{24}:[0-9a-f]{32}:[0-9a-f]*$`)

// Box seals and opens secret values with a single process-wide key.
type Box struct {
	aead cipher.AEAD
	// migrationMode allows plaintext found at rest to be accepted and
	// resealed on the next write instead of being treated as an integrity
	// failure.
	migrationMode bool
}

// ParseKey decodes a 64 hex character encryption key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, trace.BadParameter("encryption key is not valid hex")
	}
	if len(key) != keySize {
		return nil, trace.BadParameter("encryption key must be %d hex characters", keySize*2)
	}
	return key, nil
}

// NewBox creates a Box from a raw 32-byte key.
func NewBox(key []byte, migrationMode bool) (*Box, error) {
	if len(key) != keySize {
		return nil, trace.BadParameter("encryption key must be %d bytes", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Box{aead: aead, migrationMode: migrationMode}, nil
}

// IsEncrypted reports whether a value is in sealed triple form.
func IsEncrypted(s string) bool {
	return sealedRe.MatchString(s)
}

// Encrypt seals a plaintext into the iv:tag:ciphertext triple.
func (b *Box) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", trace.Wrap(err)
	}
	sealed := b.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a sealed triple. A tag mismatch or any malformed input is an
// integrity failure: the stored credentials cannot be trusted and operator
// intervention is required.
func (b *Box) Decrypt(sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 || !IsEncrypted(sealed) {
		return "", trace.BadParameter("tampered data: value is not a sealed secret")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", trace.BadParameter("tampered data: bad iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", trace.BadParameter("tampered data: bad tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", trace.BadParameter("tampered data: bad ciphertext")
	}
	plaintext, err := b.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", trace.BadParameter("tampered data: authentication failed")
	}
	return string(plaintext), nil
}

// IsTampered reports whether an error is a secrets integrity failure.
func IsTampered(err error) bool {
	return trace.IsBadParameter(err) && strings.Contains(err.Error(), "tampered data")
}

// SealBundle encrypts every non-empty plaintext field of the bundle in place.
// Fields already in sealed form are left alone, so repeated saves do not
// double-seal.
func (b *Box) SealBundle(bundle *types.SecretBundle) error {
	for _, field := range bundle.Fields() {
		if *field == "" || IsEncrypted(*field) {
			continue
		}
		sealed, err := b.Encrypt(*field)
		if err != nil {
			return trace.Wrap(err)
		}
		*field = sealed
	}
	return nil
}

// OpenBundle decrypts every non-empty field of the bundle into a copy,
// leaving the stored bundle sealed. Plaintext at rest is an integrity failure
// unless migration mode is on, in which case it is passed through as-is and
// will be sealed on the next save.
func (b *Box) OpenBundle(bundle types.SecretBundle) (types.SecretBundle, error) {
	out := bundle
	for _, field := range out.Fields() {
		if *field == "" {
			continue
		}
		if !IsEncrypted(*field) {
			if b.migrationMode {
				continue
			}
			return types.SecretBundle{}, trace.BadParameter("tampered data: plaintext secret at rest")
		}
		plaintext, err := b.Decrypt(*field)
		if err != nil {
			return types.SecretBundle{}, trace.Wrap(err)
		}
		*field = plaintext
	}
	return out, nil
}
