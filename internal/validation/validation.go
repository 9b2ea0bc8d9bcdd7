// Package validation содержит функции валидации входных данных.
package validation

import (
	"github.com/ddcrlabs/paygate-system/internal/ledger"
)

const maxPayerPrincipalLen = 128

// IsValidPayerPrincipal проверяет principal плательщика как непрозрачную
// строку: непустую и ограниченной длины. Формат не разбирается — на
// платёжном пути principal только сохраняется и служит ключом начисления.
func IsValidPayerPrincipal(text string) bool {
	return text != "" && len(text) <= maxPayerPrincipalLen
}

// IsValidPrincipal проверяет текстовое представление principal там, где
// он действительно декодируется в адрес: base32-кодировка с корректной
// контрольной суммой.
func IsValidPrincipal(text string) bool {
	if text == "" || len(text) > 63 {
		return false
	}
	_, err := ledger.DecodePrincipal(text)
	return err == nil
}

// IsValidSubAccountKey проверяет строковый ключ сабаккаунта:
// ровно 32 десятичных байта через запятую.
func IsValidSubAccountKey(key string) bool {
	if key == "" {
		return false
	}
	_, err := ledger.ParseSubAccountKey(key)
	return err == nil
}
