// Package secutil は秘密情報のバイト列を扱うためのユーティリティを提供する。
package secutil

import "crypto/subtle"

// Zeroize はバイト列の全バイトをゼロで上書きする。
// 鍵素材や平文をスコープ外に出す前に呼ぶ。
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Clone はバイト列の独立したコピーを返す。nilはnilのまま返す。
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Equal は2つのバイト列を一定時間で比較する。
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
