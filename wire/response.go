package wire

import (
	"bytes"

	E "github.com/sagernet/sing/common/exceptions"

	"github.com/vmihailenco/msgpack/v5"
)

// Response carries either a generated certificate (CertPEM, KeyDER, TTL)
// or a typed error (Code, Reason). CertPEM holds the leaf first, then the
// issuing chain.
type Response struct {
	ID      uint64
	Host    string
	CertPEM string
	KeyDER  []byte
	TTL     uint32
	Code    uint16
	Reason  string
}

func (r *Response) IsError() bool {
	return r.Code != 0
}

func (r *Response) Encode() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := msgpack.NewEncoder(&buffer)
	var err error
	if r.IsError() {
		err = encoder.EncodeMapLen(4)
		if err != nil {
			return nil, err
		}
		err = encodeUintField(encoder, keyID, r.ID)
		if err != nil {
			return nil, err
		}
		err = encoder.EncodeInt(keyHost)
		if err != nil {
			return nil, err
		}
		err = encoder.EncodeString(r.Host)
		if err != nil {
			return nil, err
		}
		err = encodeUintField(encoder, keyCode, uint64(r.Code))
		if err != nil {
			return nil, err
		}
		err = encoder.EncodeInt(keyReason)
		if err != nil {
			return nil, err
		}
		err = encoder.EncodeString(r.Reason)
		if err != nil {
			return nil, err
		}
		return buffer.Bytes(), nil
	}
	err = encoder.EncodeMapLen(5)
	if err != nil {
		return nil, err
	}
	err = encodeUintField(encoder, keyID, r.ID)
	if err != nil {
		return nil, err
	}
	err = encoder.EncodeInt(keyHost)
	if err != nil {
		return nil, err
	}
	err = encoder.EncodeString(r.Host)
	if err != nil {
		return nil, err
	}
	err = encoder.EncodeInt(keyCert)
	if err != nil {
		return nil, err
	}
	err = encoder.EncodeString(r.CertPEM)
	if err != nil {
		return nil, err
	}
	err = encoder.EncodeInt(keyKey)
	if err != nil {
		return nil, err
	}
	err = encoder.EncodeBytes(r.KeyDER)
	if err != nil {
		return nil, err
	}
	err = encodeUintField(encoder, keyTTL, uint64(r.TTL))
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func DecodeResponse(data []byte) (*Response, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	mapLen, err := decoder.DecodeMapLen()
	if err != nil {
		return nil, E.Cause(ErrMalformedMessage, "decode response: ", err)
	}
	response := &Response{}
	for i := 0; i < mapLen; i++ {
		key, err := decodeKey(decoder)
		if err != nil {
			return nil, E.Cause(ErrMalformedMessage, "decode response key: ", err)
		}
		switch key {
		case keyID:
			response.ID, err = decoder.DecodeUint64()
			if err != nil {
				return nil, E.Cause(err, "invalid id value")
			}
		case keyHost:
			response.Host, err = decoder.DecodeString()
			if err != nil {
				return nil, E.Cause(err, "invalid host value")
			}
		case keyCert:
			response.CertPEM, err = decoder.DecodeString()
			if err != nil {
				return nil, E.Cause(err, "invalid cert value")
			}
		case keyKey:
			response.KeyDER, err = decoder.DecodeBytes()
			if err != nil {
				return nil, E.Cause(err, "invalid key value")
			}
		case keyTTL:
			response.TTL, err = decoder.DecodeUint32()
			if err != nil {
				return nil, E.Cause(err, "invalid ttl value")
			}
		case keyCode:
			code, err := decoder.DecodeUint16()
			if err != nil {
				return nil, E.Cause(err, "invalid code value")
			}
			response.Code = code
		case keyReason:
			response.Reason, err = decoder.DecodeString()
			if err != nil {
				return nil, E.Cause(err, "invalid reason value")
			}
		default:
			err = decoder.Skip()
			if err != nil {
				return nil, E.Cause(ErrMalformedMessage, "skip unknown key: ", err)
			}
		}
	}
	if !response.IsError() && response.CertPEM == "" {
		return nil, E.Cause(ErrMalformedMessage, "no cert or error code in response")
	}
	return response, nil
}
