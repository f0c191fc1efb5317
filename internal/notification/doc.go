// Package notification は通知サービスの内部実装を提供する。
//
// リレーが配信した通知レコードを保持する履歴ストアと、
// 履歴の取得や既読管理、リアルタイム配信のSSEエンドポイントを持つHTTPサーバーを提供する。
// 履歴データベースはアウトボックスとは別のSQLiteファイルで、外部キーによる関連は持たない。
package notification
