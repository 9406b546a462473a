//go:build windows

package winapi

// CryptoAPI hash bindings. internal/hashcache computes its digests with
// Go's crypto packages and does not call these.

const (
	ProvRSAAES = 24

	CryptVerifyContext = 0xF0000000
	CryptNewKeySet     = 0x00000008

	CalgSHA1   = 0x00008004
	CalgSHA256 = 0x0000800c
	CalgMD5    = 0x00008003

	HPHashVal = 0x0002
	HPHashSize = 0x0004
)

//sys cryptAcquireContext(prov *uintptr, container *uint16, provider *uint16, provType uint32, flags uint32) (err error) = advapi32.CryptAcquireContextW
//sys cryptReleaseContext(prov uintptr, flags uint32) (err error) = advapi32.CryptReleaseContext
//sys cryptCreateHash(prov uintptr, algID uint32, key uintptr, flags uint32, hash *uintptr) (err error) = advapi32.CryptCreateHash
//sys cryptHashData(hash uintptr, data *byte, dataLen uint32, flags uint32) (err error) = advapi32.CryptHashData
//sys cryptGetHashParam(hash uintptr, param uint32, data *byte, dataLen *uint32, flags uint32) (err error) = advapi32.CryptGetHashParam
//sys cryptDestroyHash(hash uintptr) (err error) = advapi32.CryptDestroyHash
