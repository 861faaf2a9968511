package protocol

// 头部块边界自动机的状态
const (
	stateStart = iota
	stateCR
	stateCRLF
	stateCRLFCR
	stateCRLFCRLF
)

// FindFrame 在 b 中查找头部块结束标志 CRLFCRLF。
// 找到时返回头部块（含结束标志）的字节长度和 true；否则返回 0, false。
// 不做增量扫描：每次就绪都从未消费数据的开头重新运行。
func FindFrame(b []byte) (offset int, ok bool) {
	state := stateStart
	for i, ch := range b {
		switch state {
		case stateStart, stateCRLF:
			if ch == '\r' {
				state++
			} else {
				state = stateStart
			}
		case stateCR, stateCRLFCR:
			switch ch {
			case '\n':
				state++
			case '\r':
				// "\r\r" 中的第二个 \r 可能开始新的结束标志
				state = stateCR
			default:
				state = stateStart
			}
		}
		if state == stateCRLFCRLF {
			return i + 1, true
		}
	}
	return 0, false
}
