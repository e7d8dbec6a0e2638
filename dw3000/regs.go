package dw3000

// Register files (base addresses)
const (
	FileGeneral   = 0x00 // GEN_CFG_AES low: ID, time, status, timestamps
	FileCIA1      = 0x0C // CIA interface, first block
	FileRxBuffer0 = 0x12
	FileTxBuffer  = 0x14
)

// Register offsets within FileGeneral
const (
	RegDevID     = 0x00 // 4 bytes
	RegSysTime   = 0x1C // 4 bytes, bits 39:8 of the device clock
	RegTxFctrl   = 0x24 // 4 bytes used
	RegDxTime    = 0x2C // 4 bytes, bits 39:8 of the activation time
	RegSysStatus = 0x44 // 4 bytes used
	RegRxFinfo   = 0x4C // 4 bytes
	RegRxTime    = 0x64 // 5 bytes, RX_STAMP
	RegTxTime    = 0x74 // 5 bytes, TX_STAMP
)

// Register offsets within FileCIA1
const (
	RegCIADiag0 = 0x20 // 4 bytes, COE_PPM in bits 12:0
)

// Fast commands
const (
	CmdTxRxOff = 0x00
	CmdTx      = 0x01
	CmdRx      = 0x02
	CmdDTx     = 0x03
	CmdDRx     = 0x04
)

// SYS_STATUS bits (write one to clear)
const (
	StatusTxFrb    = 1 << 4
	StatusTxPrs    = 1 << 5
	StatusTxPhs    = 1 << 6
	StatusTxFrs    = 1 << 7
	StatusRxPrd    = 1 << 8
	StatusRxSfdd   = 1 << 9
	StatusCIADone  = 1 << 10
	StatusRxPhd    = 1 << 11
	StatusRxPhe    = 1 << 12
	StatusRxFr     = 1 << 13
	StatusRxFcg    = 1 << 14
	StatusRxFce    = 1 << 15
	StatusRxFsl    = 1 << 16
	StatusRxFto    = 1 << 17
	StatusCIAErr   = 1 << 18
	StatusRxPto    = 1 << 21
	StatusRxSto    = 1 << 26
	StatusHPDWarn  = 1 << 27
	StatusARFE     = 1 << 29
	statusTxAll    = StatusTxFrb | StatusTxPrs | StatusTxPhs | StatusTxFrs
	statusRxGood   = StatusRxPrd | StatusRxSfdd | StatusCIADone | StatusRxPhd | StatusRxFr | StatusRxFcg
	statusRxErrors = StatusRxPhe | StatusRxFce | StatusRxFsl | StatusRxFto | StatusCIAErr | StatusRxPto | StatusRxSto | StatusARFE
)

// TX_FCTRL fields
const (
	txFctrlLenMask    = 0x3FF
	txFctrlRanging    = 1 << 11
	txFctrlOffsetMask = 0x3FF << 16
)

// RX_FINFO fields
const (
	rxFinfoLenMask   = 0x3FF
	rxFinfoPaccShift = 20
	rxFinfoPaccMask  = 0xFFF
)

const (
	// DevIDStandard and DevIDPDoA are the two DW3000 silicon variants.
	DevIDStandard = 0xDECA0302
	DevIDPDoA     = 0xDECA0312

	// MaxFrameLength is the standard PHY payload size including the FCS.
	MaxFrameLength = 127
	fcsLength      = 2
)

// RegisterDescriptions names the registers exposed for maintenance reads.
var RegisterDescriptions = map[uint16]string{
	regKey(FileGeneral, RegDevID):     "Device identifier",
	regKey(FileGeneral, RegSysTime):   "System time counter",
	regKey(FileGeneral, RegTxFctrl):   "Transmit frame control",
	regKey(FileGeneral, RegDxTime):    "Delayed send or receive time",
	regKey(FileGeneral, RegSysStatus): "System event status",
	regKey(FileGeneral, RegRxFinfo):   "RX frame information",
	regKey(FileGeneral, RegRxTime):    "Receive timestamp",
	regKey(FileGeneral, RegTxTime):    "Transmit timestamp",
	regKey(FileCIA1, RegCIADiag0):     "CIA diagnostic 0 (clock offset)",
}

func regKey(file, offset uint8) uint16 {
	return uint16(file)<<8 | uint16(offset)
}

// Describe returns the register name for file:offset, or "" when unknown.
func Describe(file, offset uint8) string {
	return RegisterDescriptions[regKey(file, offset)]
}
