package modem_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/sbdgw/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) expect(cmd, response string) *MockSequenceBuilder {
	wire := cmd + "\r"
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(wire)).Return(len(wire), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			copy(p, response)
			return len(response), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.expect("AT", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.expect("ATE0", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) FlowControlOff() *MockSequenceBuilder {
	return b.expect("AT&K0", "OK\r\n")
}

func (b *MockSequenceBuilder) RingAlertsOn() *MockSequenceBuilder {
	return b.expect("AT+SBDMTA=1", "OK\r\n")
}

func (b *MockSequenceBuilder) IMEI(imei string) *MockSequenceBuilder {
	return b.expect("AT+CGSN", imei+"\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls scripts the full initialization exchange New() performs.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOff().
		FlowControlOff().
		RingAlertsOn().
		IMEI("300234063904190").
		Build()
}
