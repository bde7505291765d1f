package protocol

// Info keys shared by client and server. The names are part of the wire
// contract and must stay stable.
const (
	KeyResponseStatus = "ResponseStatus"
	KeyMessageType    = "MessageType"
	KeyClientID       = "ClientID"
	KeyMessage        = "Message"
	KeyPassword       = "Password"
	KeyErrorKind      = "ErrorKind"

	KeyModuleID           = "ModuleID"
	KeyModules            = "Modules"
	KeyRequestID          = "RequestID"
	KeyVisualsInfo        = "VisualsInfo"
	KeyModuleInteractions = "ModuleInteractions"
	KeySnapshot           = "Snapshot"
	KeySequence           = "Sequence"

	KeyResponseID    = "ResponseID"
	KeyID            = "ID"
	KeyType          = "Type"
	KeyName          = "Name"
	KeyValue         = "Value"
	KeyConstraint    = "Constraint"
	KeyInteractionID = "InteractionID"
	KeyVisualID      = "VisualID"
	KeyTransform     = "Transform"
	KeyPartID        = "PartID"
	KeyParts         = "Parts"
	KeyVisible       = "Visible"
	KeyColor         = "Color"
	KeyOpacity       = "Opacity"
	KeyText          = "Text"

	KeyPayloadOffset = "PayloadOffset"
	KeyPointBytes    = "PointBytes"
	KeyTriangleBytes = "TriangleBytes"

	KeyDataType         = "DataType"
	KeyDataID           = "DataID"
	KeySliceIndex       = "SliceIndex"
	KeySliceOrientation = "SliceOrientation"
	KeySeriesIndex      = "SeriesIndex"
	KeySeriesCount      = "SeriesCount"
	KeyDimensions       = "Dimensions"
	KeySpacing          = "Spacing"
	KeyDataFormat       = "DataFormat"
	KeyCacheable        = "Cacheable"
)

// MessageType values.
const (
	TypeAuthentication = "Authentication"
	TypeModuleList     = "ModuleList"
	TypeModule         = "Module"
	TypeData           = "Data"
)

// ResponseStatus values.
const (
	StatusInfoRequired = "INFO_REQUIRED"
	StatusSuccess      = "SUCCESS"
	StatusError        = "ERROR"
)

// RequestID values for module requests.
const (
	RequestSubscribe          = "Subscribe"
	RequestUnsubscribe        = "Unsubscribe"
	RequestGetScene           = "GetScene"
	RequestSetInteraction     = "SetInteraction"
	RequestTriggerInteraction = "TriggerInteraction"
	RequestSetTransform       = "SetTransform"
)

// ResponseID values of batch entries.
const (
	ResponseFull           = "Full"
	ResponseTransform      = "Transform"
	ResponseProperties     = "Properties"
	ResponseData           = "Data"
	ResponseValue          = "Value"
	ResponseRemoved        = "Removed"
	ResponsePartFull       = "PartFull"
	ResponsePartTransform  = "PartTransform"
	ResponsePartProperties = "PartProperties"
	ResponsePartRemoved    = "PartRemoved"
)

// DataType values for data requests.
const (
	DataTypeImage = "Image"
	DataTypeStudy = "Study"
)

// DataFormatFloat32 marks payloads of little-endian float32 values
// normalized to [0,1].
const DataFormatFloat32 = "float32"
