// Package task はタスクサービスの内部実装を提供する。
//
// タスクとコメントの書き込みAPIを持ち、書き込みと同じトランザクションで
// 捕捉ルールを評価してアウトボックスに通知イベントを記録する。
package task
