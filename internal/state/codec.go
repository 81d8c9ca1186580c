package state

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("state: build cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("state: build cbor decoder: %v", err))
	}
}

// Encode 以规范 CBOR 编码状态值，保证相同值得到相同字节。
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode 解码状态值。
func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
