package sched

// Register offsets in the controller's I/O space.
const (
	RegUSBCMD    = 0x00 // USB command (16 bit)
	RegUSBSTS    = 0x02 // USB status (16 bit)
	RegUSBINTR   = 0x04 // USB interrupt enable (16 bit)
	RegFRNUM     = 0x06 // Frame number (16 bit)
	RegFRBASEADD = 0x08 // Frame list base address (32 bit)
	RegSOFMOD    = 0x0C // Start of frame modify (8 bit)
	RegPORTSC1   = 0x10 // Port 1 status and control (16 bit)
	RegPORTSC2   = 0x12 // Port 2 status and control (16 bit)
)

// USBCMD bits.
const (
	CmdRS      uint16 = 1 << 0 // Run/Stop
	CmdHCRESET uint16 = 1 << 1 // Host controller reset
	CmdGRESET  uint16 = 1 << 2 // Global reset
	CmdEGSM    uint16 = 1 << 3 // Enter global suspend mode
	CmdFGR     uint16 = 1 << 4 // Force global resume
	CmdSWDBG   uint16 = 1 << 5 // Software debug
	CmdCF      uint16 = 1 << 6 // Configure flag
	CmdMAXP    uint16 = 1 << 7 // Max packet (1 = 64 bytes)
)

// USBSTS bits.
const (
	StsUSBINT uint16 = 1 << 0 // USB interrupt
	StsERROR  uint16 = 1 << 1 // USB error interrupt
	StsRD     uint16 = 1 << 2 // Resume detect
	StsHSE    uint16 = 1 << 3 // Host system error
	StsHCPE   uint16 = 1 << 4 // Host controller process error
	StsHCH    uint16 = 1 << 5 // HC halted

	// StsAll clears every write-one-to-clear status bit.
	StsAll uint16 = 0x3F
)

// USBINTR bits.
const (
	IntrTimeoutCRC uint16 = 1 << 0
	IntrResume     uint16 = 1 << 1
	IntrIOC        uint16 = 1 << 2
	IntrShort      uint16 = 1 << 3
)

// runCommand is the command word of a running controller.
const runCommand = CmdRS | CmdCF | CmdMAXP
