package mocks

import (
	"github.com/stretchr/testify/mock"
)

// MockFileOperations is a testify mock of file.FileOperations.
type MockFileOperations struct {
	mock.Mock
}

func (m *MockFileOperations) ReadFileRaw(filePath string) ([]byte, error) {
	args := m.Called(filePath)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockFileOperations) ReadJsonFile(filePath string, v any) error {
	return m.Called(filePath, v).Error(0)
}

func (m *MockFileOperations) ReadYamlFile(filePath string, v any) error {
	return m.Called(filePath, v).Error(0)
}

func (m *MockFileOperations) WriteJsonFile(filePath string, data any) error {
	return m.Called(filePath, data).Error(0)
}
