package gatewayhttp

// httpCreateDeviceRequest is the JSON body CREATE_DEVICE accepts; it
// mirrors the wire CreateRecord's fields in a caller-friendly shape
// rather than the packed binary layout (that layout is only produced
// and parsed by manager.EncodeCreateRecord/DecodeCreateRecord).
type httpCreateDeviceRequest struct {
	// DeviceNumber uses manager.DeviceNumberAuto (0xFFFFFFFF) to request
	// auto-selection of the lowest free id.
	DeviceNumber uint32 `json:"deviceNumber"`
	Name         string `json:"name"`
	Class        string `json:"class"` // "auto", "hd", "fd", "cd"
	Extension    string `json:"extension"`

	BackingKind string `json:"backingKind"` // "file", "anon", "proxy-stream", "proxy-shm"
	ImagePath   string `json:"imagePath,omitempty"`
	AnonSize    int64  `json:"anonSize,omitempty"`

	ImageOffset int64  `json:"imageOffset"`
	ReadOnly    bool   `json:"readOnly"`
	Removable   bool   `json:"removable"`
	DriveLetter string `json:"driveLetter,omitempty"`
}

type httpDeviceResponse struct {
	DeviceNumber uint32 `json:"deviceNumber"`
	Name         string `json:"name"`
	TotalBytes   int64  `json:"totalBytes"`
	Heads        uint32 `json:"heads"`
	SectorsPerTrack uint32 `json:"sectorsPerTrack"`
	BytesPerSector  uint32 `json:"bytesPerSector"`
	ImageOffset  int64  `json:"imageOffset"`
	Flags        uint32 `json:"flags"`
	DriveLetter  string `json:"driveLetter,omitempty"`
}

type httpDriverResponse struct {
	Bitmap uint64 `json:"bitmap"`
}

type httpVersionResponse struct {
	Version uint32 `json:"version"`
}

type httpSetFlagsRequest struct {
	Mask   uint32 `json:"mask"`
	Values uint32 `json:"values"`
}

type httpExtendRequest struct {
	DeltaBytes int64 `json:"deltaBytes"`
}

type httpErrorResponse struct {
	Error string `json:"error"`
}
