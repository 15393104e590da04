package tc

import (
	"fmt"
	"math"
)

// Cookie is the handle returned by LogAndOrder. Bit 0 is the error flag. The remaining bits hold either the binlog
// file id plus cookieBase, or cookieDummyID when the transaction needs no per-file bookkeeping. The zero value means
// the transaction was not logged and must not be passed to Unlog.
type Cookie uint64

const (
	CookieErrorReturn Cookie = 0

	cookieDummyID = 1
	cookieBase    = 2

	// MaxCookieFileID is the largest binlog file id that fits into a cookie.
	MaxCookieFileID = math.MaxUint64>>1 - cookieBase
)

func MakeCookie(fileID uint64, errFlag bool) Cookie {
	if fileID > MaxCookieFileID {
		panic(fmt.Sprintf("binlog file id %d does not fit into a cookie", fileID))
	}

	return Cookie((fileID+cookieBase)<<1) | flagBit(errFlag)
}

func DummyCookie(errFlag bool) Cookie {
	return Cookie(cookieDummyID<<1) | flagBit(errFlag)
}

// DecodeCookie is the inverse of MakeCookie and DummyCookie. fileID is meaningless when dummy is true.
func DecodeCookie(c Cookie) (fileID uint64, errFlag bool, dummy bool) {
	return c.FileID(), c.ErrorFlag(), c.IsDummy()
}

func (c Cookie) ErrorFlag() bool {
	return c&1 == 1
}

func (c Cookie) FileID() uint64 {
	return uint64(c>>1) - cookieBase
}

func (c Cookie) IsDummy() bool {
	return c>>1 == cookieDummyID
}

// Logged reports whether c must be passed to Unlog.
func (c Cookie) Logged() bool {
	return c != CookieErrorReturn
}

func (c Cookie) String() string {
	switch {
	case !c.Logged():
		return "cookie(none)"
	case c.IsDummy():
		return fmt.Sprintf("cookie(dummy err=%v)", c.ErrorFlag())
	default:
		return fmt.Sprintf("cookie(file=%d err=%v)", c.FileID(), c.ErrorFlag())
	}
}

func flagBit(b bool) Cookie {
	if b {
		return 1
	}
	return 0
}
