package bidding

import "github.com/redis/go-redis/v9"

// bidScript 出價准入腳本，整個熱路徑的核心
// KEYS[1] 競價快照hash
// KEYS[2] 出價事實stream
// ARGV[1] 出價者ID
// ARGV[2] 出價金額
// ARGV[3] 當前時間(ms)
// ARGV[4] 出價者可用點數
// ARGV[5] 拍賣ID
//
// 返回值:
//
//	{-1}                              快照不存在
//	{-2}                              已過結束時間
//	{0, price}                        沒有高於當前價格
//	{-3}                              已是最高出價者
//	{-4}                              可用點數不足
//	{1, seq, prev_price, prev_bidder} 接受，附帶補償所需的前值
//
// 檢查、改價、寫入事實在同一個腳本裡完成，
// 兩個並發出價不可能都以同一個前值成功
var bidScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1}
end
local end_ms = tonumber(redis.call('HGET', KEYS[1], 'end_ms'))
if tonumber(ARGV[3]) >= end_ms then
	return {-2}
end
local price = tonumber(redis.call('HGET', KEYS[1], 'price'))
local amount = tonumber(ARGV[2])
if amount <= price then
	return {0, price}
end
local bidder = redis.call('HGET', KEYS[1], 'bidder')
if bidder == ARGV[1] then
	return {-3}
end
if tonumber(ARGV[4]) < amount then
	return {-4}
end
local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('HSET', KEYS[1], 'price', amount, 'bidder', ARGV[1])
redis.call('XADD', KEYS[2], '*',
	'kind', 'accepted',
	'auction_id', ARGV[5],
	'user_id', ARGV[1],
	'amount', ARGV[2],
	'bid_time_ms', ARGV[3],
	'sequence', seq)
return {1, seq, price, bidder}
`)

// revertBidScript 點數保留失敗時的補償腳本
// 只有快照的seq還停在被撤銷那筆出價時才回復前值，
// 後面已經有新出價的話快照已經被覆蓋，不需要也不可以回滾
// KEYS[1] 競價快照hash
// KEYS[2] 出價事實stream
// ARGV[1] 被撤銷出價的sequence
// ARGV[2] 前一個價格
// ARGV[3] 前一個出價者
// ARGV[4] 拍賣ID
// ARGV[5] 被撤銷出價的出價者
var revertBidScript = redis.NewScript(`
redis.call('XADD', KEYS[2], '*',
	'kind', 'reverted',
	'auction_id', ARGV[4],
	'user_id', ARGV[5],
	'sequence', ARGV[1])
local seq = redis.call('HGET', KEYS[1], 'seq')
if not seq or tonumber(seq) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[2], 'bidder', ARGV[3])
return 1
`)

// cancelRollbackScript 取消出價後的快照回滾
// 只有取消者仍是快照上的最高出價者時才需要動快照，
// 把價格與出價者換成呼叫端算好的下一順位(或起標價與空出價者)
// KEYS[1] 競價快照hash
// ARGV[1] 取消者ID
// ARGV[2] 回滾後的價格
// ARGV[3] 回滾後的出價者(可為空字串)
var cancelRollbackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local bidder = redis.call('HGET', KEYS[1], 'bidder')
if bidder ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[2], 'bidder', ARGV[3])
return 1
`)
