// devicetypes.go — таблица соответствия строковых типов устройств litenet
// числовым кодам протокола хаба.
//
// Явная версионированная структура вместо цепочки условий: при обновлении
// прошивки хаба таблица меняется целиком, версия растёт. Нераспознанный
// тип НЕ отклоняется, а деградирует к коду по умолчанию — часть вариантов
// оборудования функционально взаимозаменяема для целей доступа.
package litenet

import "strings"

// DeviceTypeTableVersion — версия таблицы типов. Меняется при каждом
// изменении соответствий.
const DeviceTypeTableVersion = 2

// DefaultDeviceTypeCode — код по умолчанию для нераспознанных типов.
const DefaultDeviceTypeCode = 1

// deviceTypeCodes — строковый тип устройства → код протокола хаба.
var deviceTypeCodes = map[string]int{
	"litenet":    1,
	"litenet-2":  2,
	"turnstile":  3,
	"door":       4,
	"face-panel": 5,
}

// DeviceTypeCode возвращает числовой код типа устройства.
// Регистр и пробелы не значимы; неизвестный тип → DefaultDeviceTypeCode.
func DeviceTypeCode(deviceType string) int {
	code, ok := deviceTypeCodes[strings.ToLower(strings.TrimSpace(deviceType))]
	if !ok {
		return DefaultDeviceTypeCode
	}
	return code
}
