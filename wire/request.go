package wire

import (
	"bytes"
	"crypto/x509"

	C "github.com/sagernet/fakecert/constant"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Request asks the generation service for a fake certificate for Host.
// MimicCert, when present, is the real upstream certificate in DER form;
// the generated leaf copies its subject and SAN fields.
type Request struct {
	ID        uint64
	Host      string
	Service   C.ServiceType
	Usage     C.CertUsage
	MimicCert []byte
}

func (r *Request) Encode() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := msgpack.NewEncoder(&buffer)
	fieldCount := 4
	if len(r.MimicCert) > 0 {
		fieldCount++
	}
	err := encoder.EncodeMapLen(fieldCount)
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
	err = encodeUintField(encoder, keyService, uint64(r.Service))
	if err != nil {
		return nil, err
	}
	err = encodeUintField(encoder, keyUsage, uint64(r.Usage))
	if err != nil {
		return nil, err
	}
	if len(r.MimicCert) > 0 {
		err = encoder.EncodeInt(keyCert)
		if err != nil {
			return nil, err
		}
		err = encoder.EncodeBytes(r.MimicCert)
		if err != nil {
			return nil, err
		}
	}
	return buffer.Bytes(), nil
}

func DecodeRequest(data []byte) (*Request, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	mapLen, err := decoder.DecodeMapLen()
	if err != nil {
		return nil, E.Cause(ErrMalformedMessage, "decode request: ", err)
	}
	request := &Request{}
	var hostSeen bool
	for i := 0; i < mapLen; i++ {
		key, err := decodeKey(decoder)
		if err != nil {
			return nil, E.Cause(ErrMalformedMessage, "decode request key: ", err)
		}
		switch key {
		case keyID:
			request.ID, err = decoder.DecodeUint64()
			if err != nil {
				return nil, E.Cause(err, "invalid id value")
			}
		case keyHost:
			request.Host, err = decoder.DecodeString()
			if err != nil {
				return nil, E.Cause(err, "invalid host value")
			}
			hostSeen = true
		case keyService:
			value, err := decoder.DecodeUint64()
			if err != nil {
				return nil, E.Cause(err, "invalid service value")
			}
			request.Service, err = C.ServiceTypeFromWire(value)
			if err != nil {
				return nil, err
			}
		case keyUsage:
			value, err := decoder.DecodeUint64()
			if err != nil {
				return nil, E.Cause(err, "invalid usage value")
			}
			request.Usage, err = C.CertUsageFromWire(value)
			if err != nil {
				return nil, err
			}
		case keyCert:
			request.MimicCert, err = decoder.DecodeBytes()
			if err != nil {
				return nil, E.Cause(err, "invalid mimic cert value")
			}
		default:
			err = decoder.Skip()
			if err != nil {
				return nil, E.Cause(ErrMalformedMessage, "skip unknown key: ", err)
			}
		}
	}
	if !hostSeen || request.Host == "" {
		return nil, ErrHostMissing
	}
	return request, nil
}

// Mimic parses the attached upstream certificate, if any.
func (r *Request) Mimic() (*x509.Certificate, error) {
	if len(r.MimicCert) == 0 {
		return nil, nil
	}
	return x509.ParseCertificate(r.MimicCert)
}

func encodeUintField(encoder *msgpack.Encoder, key int64, value uint64) error {
	err := encoder.EncodeInt(key)
	if err != nil {
		return err
	}
	return encoder.EncodeUint(value)
}

// decodeKey accepts both the compact integer keys and their string names.
func decodeKey(decoder *msgpack.Decoder) (int64, error) {
	code, err := decoder.PeekCode()
	if err != nil {
		return 0, err
	}
	if msgpcode.IsString(code) {
		name, err := decoder.DecodeString()
		if err != nil {
			return 0, err
		}
		key, loaded := wireKeyNames[name]
		if !loaded {
			// Unknown string keys map to an id no field uses, so the
			// caller skips the value.
			return -1, nil
		}
		return key, nil
	}
	return decoder.DecodeInt64()
}
