// Copyright 2025 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	goflag "flag"
	"os"
	"strconv"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/config"
)

// setupLogging routes klog through zap. Records go to stderr and, when a log
// file is configured, to a size-rotated file.
func setupLogging(cfg *config.Config, klogFlags *goflag.FlagSet) (func(), error) {
	// zapr maps V(n) to zap level -n; klog's -v decides how deep we go.
	level := zapcore.InfoLevel - zapcore.Level(klogVerbosity(klogFlags))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level),
	}
	if cfg.LogFile != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), level))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	klog.SetLogger(zapr.NewLogger(zl))

	return func() {
		klog.Flush()
		_ = zl.Sync()
	}, nil
}

func klogVerbosity(fs *goflag.FlagSet) int8 {
	f := fs.Lookup("v")
	if f == nil {
		return 0
	}
	v, err := strconv.Atoi(f.Value.String())
	if err != nil || v < 0 {
		return 0
	}
	if v > 10 {
		v = 10
	}
	return int8(v)
}
