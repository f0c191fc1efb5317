// Package relay はアウトボックスの未処理イベントを通知として配信するリレーワーカーを提供する。
//
// ワーカーは一定間隔でアウトボックスをポーリングし、古い順に取得したイベントから
// 宛先を解決して通知履歴に書き込み、接続中のクライアントへ配信してから処理済みにする。
// 履歴への書き込みはサイクルごとに1回、処理済みマークもサイクルごとに1回まとめて行う。
//
// 履歴の確定後かつ処理済みマークの前にプロセスが停止した場合、イベントは次のサイクルで
// 再配信される（少なくとも1回の配信）。履歴ストアの冪等モードが有効であれば、
// 再配信による重複レコードは作成されない。
//
// 複数のワーカーが同じアウトボックスをポーリングすることは想定していない。
package relay
