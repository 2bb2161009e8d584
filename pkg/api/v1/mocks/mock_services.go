// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mocks holds gomock mocks of the v1 service interfaces, in the
// shape mockgen produces for services.go. Running go generate in pkg/api/v1
// replaces this file with mockgen's output.
package mocks

import (
	context "context"
	reflect "reflect"

	migration "github.com/sgrastar/authrim/pkg/authserver/migration"
	storage "github.com/sgrastar/authrim/pkg/authserver/storage"
	tokens "github.com/sgrastar/authrim/pkg/authserver/tokens"
	shard "github.com/sgrastar/authrim/pkg/shard"
	gomock "go.uber.org/mock/gomock"
)

// MockShardConfigService is a mock of ShardConfigService interface.
type MockShardConfigService struct {
	ctrl     *gomock.Controller
	recorder *MockShardConfigServiceMockRecorder
	isgomock struct{}
}

// MockShardConfigServiceMockRecorder is the mock recorder for MockShardConfigService.
type MockShardConfigServiceMockRecorder struct {
	mock *MockShardConfigService
}

// NewMockShardConfigService creates a new mock instance.
func NewMockShardConfigService(ctrl *gomock.Controller) *MockShardConfigService {
	mock := &MockShardConfigService{ctrl: ctrl}
	mock.recorder = &MockShardConfigServiceMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockShardConfigService) EXPECT() *MockShardConfigServiceMockRecorder {
	return m.recorder
}

// Describe mocks base method.
func (m *MockShardConfigService) Describe(ctx context.Context, group string) (*migration.Description, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Describe", ctx, group)
	ret0, _ := ret[0].(*migration.Description)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Describe indicates an expected call of Describe.
func (mr *MockShardConfigServiceMockRecorder) Describe(ctx, group any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Describe", reflect.TypeOf((*MockShardConfigService)(nil).Describe), ctx, group)
}

// Migrate mocks base method.
func (m *MockShardConfigService) Migrate(ctx context.Context, group string, cfg *shard.GroupConfig) (*migration.Result, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Migrate", ctx, group, cfg)
	ret0, _ := ret[0].(*migration.Result)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Migrate indicates an expected call of Migrate.
func (mr *MockShardConfigServiceMockRecorder) Migrate(ctx, group, cfg any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Migrate", reflect.TypeOf((*MockShardConfigService)(nil).Migrate), ctx, group, cfg)
}

// Validate mocks base method.
func (m *MockShardConfigService) Validate(cfg *shard.GroupConfig) *shard.ValidationResult {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Validate", cfg)
	ret0, _ := ret[0].(*shard.ValidationResult)
	return ret0
}

// Validate indicates an expected call of Validate.
func (mr *MockShardConfigServiceMockRecorder) Validate(cfg any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Validate", reflect.TypeOf((*MockShardConfigService)(nil).Validate), cfg)
}

// ValidateCurrent mocks base method.
func (m *MockShardConfigService) ValidateCurrent(ctx context.Context, group string) (*shard.ValidationResult, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ValidateCurrent", ctx, group)
	ret0, _ := ret[0].(*shard.ValidationResult)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ValidateCurrent indicates an expected call of ValidateCurrent.
func (mr *MockShardConfigServiceMockRecorder) ValidateCurrent(ctx, group any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ValidateCurrent", reflect.TypeOf((*MockShardConfigService)(nil).ValidateCurrent), ctx, group)
}

// MockTokenAdmin is a mock of TokenAdmin interface.
type MockTokenAdmin struct {
	ctrl     *gomock.Controller
	recorder *MockTokenAdminMockRecorder
	isgomock struct{}
}

// MockTokenAdminMockRecorder is the mock recorder for MockTokenAdmin.
type MockTokenAdminMockRecorder struct {
	mock *MockTokenAdmin
}

// NewMockTokenAdmin creates a new mock instance.
func NewMockTokenAdmin(ctrl *gomock.Controller) *MockTokenAdmin {
	mock := &MockTokenAdmin{ctrl: ctrl}
	mock.recorder = &MockTokenAdminMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTokenAdmin) EXPECT() *MockTokenAdminMockRecorder {
	return m.recorder
}

// ListSessions mocks base method.
func (m *MockTokenAdmin) ListSessions(ctx context.Context, userID string) ([]tokens.Session, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ListSessions", ctx, userID)
	ret0, _ := ret[0].([]tokens.Session)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ListSessions indicates an expected call of ListSessions.
func (mr *MockTokenAdminMockRecorder) ListSessions(ctx, userID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ListSessions", reflect.TypeOf((*MockTokenAdmin)(nil).ListSessions), ctx, userID)
}

// RevokeFamily mocks base method.
func (m *MockTokenAdmin) RevokeFamily(ctx context.Context, familyID, reason string) (*storage.TokenFamily, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "RevokeFamily", ctx, familyID, reason)
	ret0, _ := ret[0].(*storage.TokenFamily)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// RevokeFamily indicates an expected call of RevokeFamily.
func (mr *MockTokenAdminMockRecorder) RevokeFamily(ctx, familyID, reason any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "RevokeFamily", reflect.TypeOf((*MockTokenAdmin)(nil).RevokeFamily), ctx, familyID, reason)
}

// RevokeUser mocks base method.
func (m *MockTokenAdmin) RevokeUser(ctx context.Context, userID string) (*tokens.RevokeUserResult, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "RevokeUser", ctx, userID)
	ret0, _ := ret[0].(*tokens.RevokeUserResult)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// RevokeUser indicates an expected call of RevokeUser.
func (mr *MockTokenAdminMockRecorder) RevokeUser(ctx, userID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "RevokeUser", reflect.TypeOf((*MockTokenAdmin)(nil).RevokeUser), ctx, userID)
}

// MockHealthChecker is a mock of HealthChecker interface.
type MockHealthChecker struct {
	ctrl     *gomock.Controller
	recorder *MockHealthCheckerMockRecorder
	isgomock struct{}
}

// MockHealthCheckerMockRecorder is the mock recorder for MockHealthChecker.
type MockHealthCheckerMockRecorder struct {
	mock *MockHealthChecker
}

// NewMockHealthChecker creates a new mock instance.
func NewMockHealthChecker(ctrl *gomock.Controller) *MockHealthChecker {
	mock := &MockHealthChecker{ctrl: ctrl}
	mock.recorder = &MockHealthCheckerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockHealthChecker) EXPECT() *MockHealthCheckerMockRecorder {
	return m.recorder
}

// Healthy mocks base method.
func (m *MockHealthChecker) Healthy(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Healthy", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

// Healthy indicates an expected call of Healthy.
func (mr *MockHealthCheckerMockRecorder) Healthy(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Healthy", reflect.TypeOf((*MockHealthChecker)(nil).Healthy), ctx)
}

// MockStatsSource is a mock of StatsSource interface.
type MockStatsSource struct {
	ctrl     *gomock.Controller
	recorder *MockStatsSourceMockRecorder
	isgomock struct{}
}

// MockStatsSourceMockRecorder is the mock recorder for MockStatsSource.
type MockStatsSourceMockRecorder struct {
	mock *MockStatsSource
}

// NewMockStatsSource creates a new mock instance.
func NewMockStatsSource(ctrl *gomock.Controller) *MockStatsSource {
	mock := &MockStatsSource{ctrl: ctrl}
	mock.recorder = &MockStatsSourceMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockStatsSource) EXPECT() *MockStatsSourceMockRecorder {
	return m.recorder
}

// Name mocks base method.
func (m *MockStatsSource) Name() string {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Name")
	ret0, _ := ret[0].(string)
	return ret0
}

// Name indicates an expected call of Name.
func (mr *MockStatsSourceMockRecorder) Name() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Name", reflect.TypeOf((*MockStatsSource)(nil).Name))
}

// Stats mocks base method.
func (m *MockStatsSource) Stats(ctx context.Context) (map[shard.Placement]storage.Stats, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Stats", ctx)
	ret0, _ := ret[0].(map[shard.Placement]storage.Stats)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Stats indicates an expected call of Stats.
func (mr *MockStatsSourceMockRecorder) Stats(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Stats", reflect.TypeOf((*MockStatsSource)(nil).Stats), ctx)
}
