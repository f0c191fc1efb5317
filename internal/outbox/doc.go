// Package outbox はトランザクショナルアウトボックスの永続化とイベント捕捉を提供する。
//
// 業務データを変更するトランザクションの中でInterceptorがルールを評価し、
// 導出したイベントを同じトランザクションでoutbox_eventsテーブルに追記する。
// 業務行とイベント行は両方コミットされるか、両方ロールバックされる。
//
// 追記されたイベントはprocessed_atがNULLの間「未処理」であり、
// リレーワーカーがQueryPendingで古い順に取得し、配信後にMarkProcessedで処理済みにする。
// 処理済みへの遷移は一方向であり、processed_atが再びNULLに戻ることはない。
package outbox
