package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature возвращается при несовпадении подписи запроса.
// Запрос с неверной подписью отклоняется до любых изменений состояния.
var ErrBadSignature = errors.New("sign error")

// KeySource выдаёт общий ключ подписи, разделяемый с клиентами.
type KeySource interface {
	SignKey(ctx context.Context) (string, error)
}

// SignVerifier проверяет md5-подписи параметров запроса.
// Ключ читается из источника на каждый запрос, чтобы ротация ключа
// не требовала перезапуска сервиса.
type SignVerifier struct {
	keys KeySource
}

// NewSignVerifier создаёт проверяющего подписи с указанным источником ключа.
func NewSignVerifier(keys KeySource) *SignVerifier {
	return &SignVerifier{keys: keys}
}

// Verify сверяет подпись с md5(конкатенация параметров + ключ).
func (v *SignVerifier) Verify(ctx context.Context, sign string, parts ...string) error {
	key, err := v.keys.SignKey(ctx)
	if err != nil {
		return fmt.Errorf("load sign key: %w", err)
	}

	expected := Sign(key, parts...)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sign))) {
		return ErrBadSignature
	}
	return nil
}

// Sign вычисляет подпись запроса: md5 hex от конкатенации параметров и ключа.
func Sign(key string, parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}
