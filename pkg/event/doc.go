// Package event はアウトボックスに記録されるドメインイベントのペイロードを定義する。
//
// イベント種別（Type）はデータベース上では自由な文字列だが、Go側では
// 種別ごとの構造体（Payload）と種別→デコーダのRegistryで閉じた直和型として扱う。
// 新しい種別の追加は、構造体の定義とRegistryへの登録という明示的な拡張になる。
package event
