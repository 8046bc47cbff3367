package loadgen

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

const keyHashLen = 16

// PrepareKey はキー番号から決定的なキー文字列を作る
func PrepareKey(keyNum uint64, prefix string) string {
	sum := md5.Sum([]byte(strconv.FormatUint(keyNum, 10)))
	h := hex.EncodeToString(sum[:])[:keyHashLen]
	if prefix != "" {
		return prefix + "-" + h
	}
	return h
}

// VBucketOf はキーが属するvbucketを返す
func VBucketOf(key string, numVBuckets int) uint16 {
	if numVBuckets <= 0 {
		return 0
	}
	h := (crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff
	return uint16(h % uint32(numVBuckets))
}

// keyHash はプレフィックスを除いたハッシュ部分を返す（短いキーは0で埋める）
func keyHash(key string) string {
	if len(key) >= keyHashLen {
		return key[len(key)-keyHashLen:]
	}
	return key + strings.Repeat("0", keyHashLen-len(key))
}

// KeyMaker はビュークエリのキーをドキュメントキーから求める関数
// JSONドキュメントの対応するフィールドと同じ値を返す
type KeyMaker func(key string) any

func keyToName(key string) any {
	h := keyHash(key)
	return h[0:10]
}

func keyToEmail(key string) any {
	h := keyHash(key)
	return h[3:10] + "@" + h[12:16] + ".com"
}

func keyToCity(key string) any {
	h := keyHash(key)
	return h[12:16]
}

func keyToCountry(key string) any {
	h := keyHash(key)
	return h[8:12]
}

func keyToRealm(key string) any {
	h := keyHash(key)
	return h[6:10]
}

func keyToCoins(key string) any {
	h := keyHash(key)
	n, err := strconv.ParseUint(h[0:4], 16, 32)
	if err != nil {
		return 0.0
	}
	return float64(n) / 100.0
}

var keyMakers = map[string]KeyMaker{
	"key_to_name":    keyToName,
	"key_to_email":   keyToEmail,
	"key_to_city":    keyToCity,
	"key_to_country": keyToCountry,
	"key_to_realm":   keyToRealm,
	"key_to_coins":   keyToCoins,
}

// LookupKeyMaker は名前からKeyMakerを返す
func LookupKeyMaker(name string) (KeyMaker, error) {
	km, ok := keyMakers[name]
	if !ok {
		return nil, fmt.Errorf("unknown key maker %q", name)
	}
	return km, nil
}

// Doc はJSONモードで書き込むドキュメント
type Doc struct {
	ID      string  `json:"_id"`
	Key     string  `json:"key"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	City    string  `json:"city"`
	Country string  `json:"country"`
	Realm   string  `json:"realm"`
	Coins   float64 `json:"coins"`
	Body    string  `json:"body,omitempty"`
}

// NewDoc はキーから決定的なドキュメントを作る
// Bodyは全体が少なくともminSizeバイトになるよう埋める
func NewDoc(key string, minSize int) Doc {
	d := Doc{
		ID:      key,
		Key:     key,
		Name:    keyToName(key).(string),
		Email:   keyToEmail(key).(string),
		City:    keyToCity(key).(string),
		Country: keyToCountry(key).(string),
		Realm:   keyToRealm(key).(string),
		Coins:   keyToCoins(key).(float64),
	}

	base, _ := json.Marshal(d)
	if pad := minSize - len(base) - len(`,"body":""`); pad > 0 {
		d.Body = strings.Repeat(keyHash(key), pad/keyHashLen+1)[:pad]
	}
	return d
}

// DocField はドキュメントの名前付きフィールド値を返す
func DocField(d Doc, field string) (any, bool) {
	switch field {
	case "_id":
		return d.ID, true
	case "key":
		return d.Key, true
	case "name":
		return d.Name, true
	case "email":
		return d.Email, true
	case "city":
		return d.City, true
	case "country":
		return d.Country, true
	case "realm":
		return d.Realm, true
	case "coins":
		return d.Coins, true
	default:
		return nil, false
	}
}

// binaryValue はminSizeバイトの決定的なバイナリ値を作る
func binaryValue(key string, minSize int) []byte {
	if minSize <= 0 {
		minSize = 1
	}
	h := keyHash(key)
	out := make([]byte, minSize)
	for i := range out {
		out[i] = h[i%len(h)]
	}
	return out
}

// Value はエンコーディングに応じた値を作る
func Value(key string, minSize int, asJSON bool) []byte {
	if !asJSON {
		return binaryValue(key, minSize)
	}
	b, err := json.Marshal(NewDoc(key, minSize))
	if err != nil {
		return binaryValue(key, minSize)
	}
	return b
}
