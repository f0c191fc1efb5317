// Package realtime は接続中のクライアントへの通知のリアルタイム配信を提供する。
//
// Registryはユーザーごとの接続を管理するプロセス内のレジストリで、
// 再起動時には空から再構築される。Broadcasterはレジストリを受け取り、
// ユーザーの全接続に非ブロッキングでメッセージを送る。
package realtime
