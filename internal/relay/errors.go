package relay

import "errors"

var (
	// ErrMalformedPayload はイベントの種別が未登録か、ペイロードを復元できないことを表す。
	// イベントは未処理のまま残り、次のサイクルで再試行される。
	ErrMalformedPayload = errors.New("イベントのペイロードが不正です")
	// ErrUnresolvedRecipient はイベントから通知の宛先を決定できないことを表す。
	ErrUnresolvedRecipient = errors.New("通知の宛先を解決できません")
	// ErrStorage はアウトボックスまたは通知履歴のストレージ障害を表す。
	// 発生したサイクルは中断され、バッチ全体が次のサイクルで再試行される。
	ErrStorage = errors.New("ストレージ障害")
	// ErrBroadcast はリアルタイム配信に失敗したことを表す。処理済みマークは妨げない。
	ErrBroadcast = errors.New("リアルタイム配信に失敗")
)
