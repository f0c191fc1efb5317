// Package httpserver はHTTPサーバーの起動とグレースフルシャットダウンを提供する。
package httpserver
