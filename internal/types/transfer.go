package types

const (
	TransferStart    = "start"
	TransferChunk    = "chunk"
	TransferComplete = "complete"
)

type FileTransferRequest struct {
	Action     string `json:"action" validate:"required,oneof=start chunk complete"`
	Code       string `json:"code" validate:"required,paircode"`
	FileName   string `json:"fileName,omitempty" validate:"required_if=Action start"`
	FileSize   int64  `json:"fileSize,omitempty" validate:"gte=0"`
	Checksum   string `json:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
	TransferID string `json:"transferId,omitempty" validate:"omitempty,uuid"`
	ChunkIndex *int   `json:"chunkIndex,omitempty" validate:"required_if=Action chunk"`
	ChunkData  string `json:"chunkData,omitempty"`
}

type TransferErrorResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	ExpectedChunk *int   `json:"expectedChunk,omitempty"`
}
