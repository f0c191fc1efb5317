package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownType は登録されていないイベント種別を表す。
	ErrUnknownType = errors.New("未登録のイベント種別")
	// ErrMalformedPayload はペイロードのデコードに失敗したことを表す。
	ErrMalformedPayload = errors.New("不正なイベントペイロード")
	// ErrAlreadyRegistered は同じ種別のデコーダが既に登録されていることを表す。
	ErrAlreadyRegistered = errors.New("イベント種別は既に登録済み")
)

// Decoder はJSONペイロードを種別固有のPayloadに変換する関数。
type Decoder func(data []byte) (Payload, error)

// Registry はイベント種別からデコーダへの対応表。並行に参照してよい。
type Registry struct {
	mu       sync.RWMutex
	decoders map[Type]Decoder
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Type]Decoder)}
}

// DefaultRegistry はこのパッケージで定義された全種別を登録済みのRegistryを返す。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	MustRegister[TaskAssigned](r, TypeTaskAssigned)
	MustRegister[TaskCommentAdded](r, TypeTaskCommentAdded)
	return r
}

// Register は種別tに対するデコーダを登録する。
// デコード結果のEventType()がtと一致しない登録は拒否する。
func Register[T Payload](r *Registry, t Type) error {
	var zero T
	if zero.EventType() != t {
		return fmt.Errorf("種別 %q に %T は登録できません", t, zero)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.decoders[t]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t)
	}
	r.decoders[t] = func(data []byte) (Payload, error) {
		decoded, err := DecodeData[T](data)
		if err != nil {
			return nil, err
		}
		return *decoded, nil
	}
	return nil
}

// MustRegister はRegisterに失敗した場合にパニックする。初期化時の登録に使用する。
func MustRegister[T Payload](r *Registry, t Type) {
	if err := Register[T](r, t); err != nil {
		panic(err)
	}
}

// Decode は種別に対応するデコーダでペイロードを復元する。
func (r *Registry) Decode(t Type, data []byte) (Payload, error) {
	r.mu.RLock()
	decode, ok := r.decoders[t]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return decode(data)
}

// Len は登録済みのイベント種別の数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decoders)
}

// Encode はペイロードをJSONにシリアライズする。
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// DecodeData はJSONペイロードを指定された型にデシリアライズする。
func DecodeData[T any](data []byte) (*T, error) {
	var decoded T
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &decoded, nil
}
