package modbus

import (
	"encoding/binary"

	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
)

// 功能码
const (
	FuncReadHolding byte = 0x03 // 读保持寄存器（无副作用，用于探活）
	FuncWriteCoil   byte = 0x05 // 写单个线圈（驱动继电器）
)

// 线圈写入值
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// FrameSize 请求帧固定8字节
// [从站地址][功能码][地址高][地址低][值高][值低][CRC低][CRC高]
const FrameSize = 8

// ChannelsPerUnit 每块继电器板的通道数
const ChannelsPerUnit = 16

// CRC16 计算Modbus RTU校验值
// 初始值0xFFFF，多项式0xA001，低位在前
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC 在帧尾追加CRC（低字节在前）
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// VerifyCRC 校验帧尾CRC
func VerifyCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	payload := frame[:len(frame)-2]
	got := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	return CRC16(payload) == got
}

// BuildWriteCoil 构建写单个线圈请求帧
func BuildWriteCoil(unit byte, coil uint16, on bool) []byte {
	value := CoilOff
	if on {
		value = CoilOn
	}
	frame := []byte{
		unit,
		FuncWriteCoil,
		byte(coil >> 8), byte(coil & 0xFF),
		byte(value >> 8), byte(value & 0xFF),
	}
	return AppendCRC(frame)
}

// BuildReadHolding 构建读保持寄存器请求帧
func BuildReadHolding(unit byte, addr uint16, count uint16) []byte {
	frame := []byte{
		unit,
		FuncReadHolding,
		byte(addr >> 8), byte(addr & 0xFF),
		byte(count >> 8), byte(count & 0xFF),
	}
	return AppendCRC(frame)
}

// ParseWriteCoilResponse 校验写线圈响应
// 正常响应是请求帧的原样回显
func ParseWriteCoilResponse(request, response []byte) error {
	if len(response) != FrameSize {
		return apperrors.Newf(apperrors.ErrInvalidResponse, "响应长度 %d，期望 %d", len(response), FrameSize)
	}
	if !VerifyCRC(response) {
		return apperrors.New(apperrors.ErrCRCMismatch)
	}
	for i := range request {
		if request[i] != response[i] {
			return apperrors.Newf(apperrors.ErrInvalidResponse, "响应与请求不一致 (offset=%d)", i)
		}
	}
	return nil
}

// ParseReadHoldingResponse 解析读保持寄存器响应
// 格式: [从站地址][0x03][字节数][数据...][CRC低][CRC高]
func ParseReadHoldingResponse(unit byte, response []byte) ([]uint16, error) {
	if len(response) < 5 {
		return nil, apperrors.Newf(apperrors.ErrInvalidResponse, "响应长度 %d 过短", len(response))
	}
	if !VerifyCRC(response) {
		return nil, apperrors.New(apperrors.ErrCRCMismatch)
	}
	if response[0] != unit {
		return nil, apperrors.Newf(apperrors.ErrInvalidResponse, "从站地址不匹配: 期望 %d 实际 %d", unit, response[0])
	}
	// 异常响应：功能码最高位置位
	if response[1] == FuncReadHolding|0x80 {
		return nil, apperrors.Newf(apperrors.ErrHardware, "从站返回异常码 0x%02X", response[2])
	}
	if response[1] != FuncReadHolding {
		return nil, apperrors.Newf(apperrors.ErrInvalidResponse, "功能码不匹配: 0x%02X", response[1])
	}

	byteCount := int(response[2])
	if byteCount%2 != 0 || len(response) != 5+byteCount {
		return nil, apperrors.Newf(apperrors.ErrInvalidResponse, "数据长度不一致: byte_count=%d len=%d", byteCount, len(response))
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(response[3+i*2:])
	}
	return registers, nil
}

// UnitForLocker 计算柜格所在的继电器板从站地址
// 柜格编号从1开始，每块板16路：1-16号在板1，17-32号在板2
func UnitForLocker(lockerID uint) byte {
	return byte((lockerID-1)/ChannelsPerUnit + 1)
}

// CoilForLocker 计算柜格在板内的线圈地址（从0开始）
func CoilForLocker(lockerID uint) uint16 {
	return uint16((lockerID - 1) % ChannelsPerUnit)
}
