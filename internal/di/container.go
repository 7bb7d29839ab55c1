// internal/di/container.go
package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Container 按名称持有服务实例，并按注册的逆序执行关闭钩子
type Container struct {
	services map[string]any
	closers  []closer
	mutex    sync.RWMutex
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{services: make(map[string]any)}
}

// Register 在容器中注册一个服务实例，同名覆盖
func (c *Container) Register(name string, service any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services[name] = service
}

// OnClose 注册关闭钩子
func (c *Container) OnClose(name string, fn func(ctx context.Context) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Get 从容器中获取一个服务实例
func (c *Container) Get(name string) any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.services[name]
}

// Has 检查服务是否存在
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, ok := c.services[name]
	return ok
}

// Names 已注册的服务名，有序
func (c *Container) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing 返回未注册的服务名
func (c *Container) Missing(names ...string) []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var out []string
	for _, name := range names {
		if _, ok := c.services[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Close 逆序执行关闭钩子，只执行一次；返回所有错误
func (c *Container) Close(ctx context.Context) error {
	c.mutex.Lock()
	closers := c.closers
	c.closers = nil
	c.mutex.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭 %s 失败: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve 按名称取出指定类型的服务
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("服务未注册: %s", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("服务 %s 类型不匹配: %T", name, service)
	}
	return typed, nil
}

// MustResolve 同 Resolve，失败时 panic；只用于启动阶段
func MustResolve[T any](c *Container, name string) T {
	typed, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return typed
}
