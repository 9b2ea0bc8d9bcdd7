// Package ledger реализует шлюз к внешнему ICP-леджеру: детерминированный
// вывод адресов, мерчантскую идентичность и HTTP-клиент баланса/переводов.
package ledger

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// SubAccountSize — размер сабаккаунта леджера в байтах.
const SubAccountSize = 32

// ErrBadPrincipal возвращается при некорректном текстовом представлении principal.
var ErrBadPrincipal = errors.New("malformed principal text")

// ErrBadAddress возвращается при некорректном hex-представлении адреса аккаунта.
var ErrBadAddress = errors.New("malformed account address")

// SubAccountFromID выводит сабаккаунт из монотонного идентификатора заказа.
// Идентификатор кодируется big-endian в хвостовые байты; функция чистая,
// одинаковый id всегда даёт одинаковый сабаккаунт.
func SubAccountFromID(id int64) [SubAccountSize]byte {
	var sub [SubAccountSize]byte
	binary.BigEndian.PutUint64(sub[SubAccountSize-8:], uint64(id))
	return sub
}

// SubAccountKey кодирует сабаккаунт в строковый ключ хранилища:
// десятичные байты через запятую. Этот же формат ходит в HTTP-запросах.
func SubAccountKey(sub [SubAccountSize]byte) string {
	parts := make([]string, SubAccountSize)
	for i, b := range sub {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ",")
}

// ParseSubAccountKey разбирает строковый ключ сабаккаунта.
func ParseSubAccountKey(key string) ([SubAccountSize]byte, error) {
	var sub [SubAccountSize]byte
	parts := strings.Split(key, ",")
	if len(parts) != SubAccountSize {
		return sub, fmt.Errorf("sub-account key must have %d bytes, got %d", SubAccountSize, len(parts))
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			return sub, fmt.Errorf("sub-account key has invalid byte at position %d", i)
		}
		sub[i] = byte(v)
	}
	return sub, nil
}

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodePrincipal переводит сырые байты principal в каноничный текст:
// base32(crc32(raw) || raw) в нижнем регистре, группами по пять символов.
func EncodePrincipal(raw []byte) string {
	buf := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(raw))
	copy(buf[4:], raw)

	s := strings.ToLower(principalEncoding.EncodeToString(buf))

	var b strings.Builder
	for i, ch := range s {
		if i > 0 && i%5 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// DecodePrincipal разбирает текстовый principal и проверяет контрольную сумму.
func DecodePrincipal(text string) ([]byte, error) {
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	if compact == "" {
		return nil, ErrBadPrincipal
	}

	buf, err := principalEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPrincipal, err)
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: too short", ErrBadPrincipal)
	}

	raw := buf[4:]
	if binary.BigEndian.Uint32(buf[:4]) != crc32.ChecksumIEEE(raw) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadPrincipal)
	}

	return raw, nil
}

const accountDomainSeparator = "\x0Aaccount-id"

// AccountIdentifier выводит 32-байтный адрес аккаунта из principal и сабаккаунта:
// crc32(h) || h, где h = sha224(domain || principal || subAccount). Функция чистая
// и детерминированная — клиент и сервер считают адрес депозита независимо.
func AccountIdentifier(principalRaw []byte, sub [SubAccountSize]byte) [32]byte {
	h := sha256.New224()
	h.Write([]byte(accountDomainSeparator))
	h.Write(principalRaw)
	h.Write(sub[:])
	digest := h.Sum(nil)

	var addr [32]byte
	binary.BigEndian.PutUint32(addr[:4], crc32.ChecksumIEEE(digest))
	copy(addr[4:], digest)
	return addr
}

// AccountIdentifierHex возвращает hex-представление адреса депозита для заказа.
func AccountIdentifierHex(principalRaw []byte, sub [SubAccountSize]byte) string {
	addr := AccountIdentifier(principalRaw, sub)
	return hex.EncodeToString(addr[:])
}

// ParseAccountIdentifier разбирает hex-адрес и проверяет контрольную сумму.
func ParseAccountIdentifier(hexAddr string) ([32]byte, error) {
	var addr [32]byte
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		return addr, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if len(raw) != 32 {
		return addr, fmt.Errorf("%w: length %d", ErrBadAddress, len(raw))
	}
	if binary.BigEndian.Uint32(raw[:4]) != crc32.ChecksumIEEE(raw[4:]) {
		return addr, fmt.Errorf("%w: checksum mismatch", ErrBadAddress)
	}
	copy(addr[:], raw)
	return addr, nil
}
