package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// PackMessage 將struct序列化為stream訊息的欄位
// 內容以msgpack編碼後做base64，收斂在單一data欄位
func PackMessage[T any](data T) (map[string]any, error) {
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// UnpackMessage 將stream訊息的欄位還原為struct
func UnpackMessage[T any](message map[string]any) (T, error) {
	var result T

	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(message) == 0 {
		return result, nil
	}

	dataStr, ok := message["data"].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
