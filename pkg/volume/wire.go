package volume

import (
	"github.com/fisync/fisync/pkg/protocol"
)

// Request is a decoded data request.
type Request struct {
	DataType string
	DataID   string
	Address  SliceAddress
}

// Message encodes r as a Data request.
func (r Request) Message() protocol.Message {
	msg := protocol.NewMessage(protocol.TypeData).
		Set(protocol.KeyDataType, r.DataType).
		Set(protocol.KeyDataID, r.DataID)
	return setAddress(msg, r.Address)
}

func setAddress(msg protocol.Message, addr SliceAddress) protocol.Message {
	return msg.
		Set(protocol.KeySliceOrientation, addr.Orientation.String()).
		Set(protocol.KeySliceIndex, addr.Slice).
		Set(protocol.KeySeriesIndex, addr.Series)
}

// ParseRequest decodes a Data request. SeriesIndex defaults to 0.
func ParseRequest(msg protocol.Message) (Request, error) {
	const op = "data request"
	info := msg.Info
	r := Request{
		DataType: info.String(protocol.KeyDataType),
		DataID:   info.String(protocol.KeyDataID),
	}
	switch r.DataType {
	case protocol.DataTypeImage, protocol.DataTypeStudy:
	case "":
		return Request{}, protocol.Validationf(op, "missing %s", protocol.KeyDataType)
	default:
		return Request{}, protocol.Validationf(op, "unknown %s %q", protocol.KeyDataType, r.DataType)
	}
	if r.DataID == "" {
		return Request{}, protocol.Validationf(op, "missing %s", protocol.KeyDataID)
	}
	addr, err := parseAddress(op, info)
	if err != nil {
		return Request{}, err
	}
	r.Address = addr
	return r, nil
}

func parseAddress(op string, info *protocol.Info) (SliceAddress, error) {
	name := info.String(protocol.KeySliceOrientation)
	o, ok := ParseOrientation(name)
	if !ok {
		return SliceAddress{}, protocol.Validationf(op, "invalid %s %q", protocol.KeySliceOrientation, name)
	}
	index, ok := info.Int(protocol.KeySliceIndex)
	if !ok {
		return SliceAddress{}, protocol.Validationf(op, "missing %s", protocol.KeySliceIndex)
	}
	var series int64
	if info.Has(protocol.KeySeriesIndex) {
		if series, ok = info.Int(protocol.KeySeriesIndex); !ok {
			return SliceAddress{}, protocol.Validationf(op, "invalid %s", protocol.KeySeriesIndex)
		}
	}
	return Addr(o, int(index), int(series)), nil
}

// Response is a decoded data response.
type Response struct {
	Request
	Meta    Meta
	Payload []byte
}

// Message encodes r as a successful Data response.
func (r Response) Message() protocol.Message {
	msg := r.Request.Message().
		Set(protocol.KeyResponseStatus, protocol.StatusSuccess).
		Set(protocol.KeyDimensions, r.Meta.Dimensions).
		Set(protocol.KeySpacing, r.Meta.Spacing).
		Set(protocol.KeySeriesCount, r.Meta.SeriesCount).
		Set(protocol.KeyDataFormat, protocol.DataFormatFloat32).
		Set(protocol.KeyCacheable, r.Meta.Cacheable)
	return msg.WithPayload(r.Payload)
}

// ParseResponse decodes a successful Data response.
func ParseResponse(msg protocol.Message) (Response, error) {
	const op = "data response"
	req, err := ParseRequest(msg)
	if err != nil {
		return Response{}, err
	}
	info := msg.Info
	if f := info.String(protocol.KeyDataFormat); f != protocol.DataFormatFloat32 {
		return Response{}, protocol.Validationf(op, "unsupported %s %q", protocol.KeyDataFormat, f)
	}
	var meta Meta
	if err := info.Decode(protocol.KeyDimensions, &meta.Dimensions); err != nil {
		return Response{}, protocol.Validationf(op, "%s: %v", protocol.KeyDimensions, err)
	}
	if err := info.Decode(protocol.KeySpacing, &meta.Spacing); err != nil {
		return Response{}, protocol.Validationf(op, "%s: %v", protocol.KeySpacing, err)
	}
	meta.SeriesCount = 1
	if n, ok := info.Int(protocol.KeySeriesCount); ok {
		meta.SeriesCount = int(n)
	}
	meta.Cacheable, _ = info.Bool(protocol.KeyCacheable)
	return Response{Request: req, Meta: meta, Payload: msg.Payload}, nil
}
